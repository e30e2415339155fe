// Package presence publishes the local user's heartbeat and classifies
// peers as online or offline. The writer can die without clearing its
// online flag, so freshness is always recomputed by the reader at delivery
// time.
package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/remote"
)

// DefaultThreshold is the staleness cutoff for a peer heartbeat.
const DefaultThreshold = 60 * time.Second

// Tracker maintains the caller's presence record and watches peers.
type Tracker struct {
	remote    remote.Store
	self      string
	threshold time.Duration
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
	cancel    context.CancelFunc
}

// New creates a tracker for the given user. A non-positive threshold means
// DefaultThreshold.
func New(store remote.Store, self string, threshold time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		remote:    store,
		self:      self,
		threshold: threshold,
		bus:       b,
		logger:    logger,
		now:       time.Now,
	}
}

// Heartbeat merge-writes the caller's online flag and the store's current
// time into their presence record.
func (t *Tracker) Heartbeat(ctx context.Context, online bool) error {
	if t.self == "" {
		return chat.ErrNotAuthenticated
	}
	err := t.remote.Set(ctx, chat.PresencePath(t.self), remote.Doc{
		"online":     online,
		"lastActive": remote.ServerTime(),
	}, true)
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.KindPresenceHeartbeat, Payload: online})
	}
	return nil
}

// Subscribe watches a peer's presence record. fn receives the locally
// recomputed online state: the record's flag AND a heartbeat younger than
// the threshold. lastActive is the zero time when the peer never reported.
func (t *Tracker) Subscribe(userID string, fn func(online bool, lastActive time.Time)) (func(), error) {
	return t.remote.WatchDoc(chat.PresencePath(userID), func(snap remote.Snapshot) {
		rec := chat.PresenceFromSnapshot(snap)
		var lastActive time.Time
		if rec.LastActive > 0 {
			lastActive = time.UnixMilli(rec.LastActive)
		}
		fresh := !lastActive.IsZero() && t.now().Sub(lastActive) < t.threshold
		fn(rec.Online && fresh, lastActive)
	})
}

// Run publishes heartbeats at half the staleness threshold until ctx is
// cancelled or Stop is called, then flips the record offline.
func (t *Tracker) Run(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.loop(ctx)
}

// Stop terminates the heartbeat loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) loop(ctx context.Context) {
	if err := t.Heartbeat(ctx, true); err != nil {
		t.logger.Error("initial heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(t.threshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Heartbeat(ctx, true); err != nil {
				t.logger.Error("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			// Best effort; readers judge staleness anyway.
			offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := t.Heartbeat(offCtx, false); err != nil {
				t.logger.Warn("offline heartbeat failed", zap.Error(err))
			}
			cancel()
			return
		}
	}
}

// StatusText renders the presence line shown under a peer's name.
func StatusText(online bool, lastActive time.Time, now time.Time) string {
	if online {
		return "Online"
	}
	if lastActive.IsZero() {
		return "Offline"
	}
	mins := int(now.Sub(lastActive).Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("Last seen %dm ago", mins)
}
