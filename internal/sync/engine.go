// Package sync merges the remote message stream, presence updates and local
// attachment state into per-conversation views, and is the single facade
// the UI talks to.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/media"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/stream"

	gosync "sync"
)

// Engine owns one session per peer. Opening a conversation that is already
// open tears the previous session down first, so a chat never has two
// active listeners issuing duplicate delivered-marking writes.
type Engine struct {
	self     string
	resolver *chat.Resolver
	stream   *stream.Store
	presence *presence.Tracker
	outbound *media.Outbound
	cache    *media.Cache
	bus      *bus.Bus
	logger   *zap.Logger

	mu       gosync.Mutex
	sessions map[string]*Session
}

// NewEngine wires the engine from its collaborators.
func NewEngine(self string, resolver *chat.Resolver, s *stream.Store, p *presence.Tracker, o *media.Outbound, c *media.Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:     self,
		resolver: resolver,
		stream:   s,
		presence: p,
		outbound: o,
		cache:    c,
		bus:      b,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// peerKey maps the self sentinels to the caller's own id, so "me", "self"
// and the real uid all address the same session slot.
func (e *Engine) peerKey(otherID string) string {
	if otherID == "" || otherID == chat.SelfSentinelMe || otherID == chat.SelfSentinelSelf {
		return e.self
	}
	return otherID
}

// Open resolves the conversation with otherID and starts its session:
// message stream (auto-marking delivered), presence (skipped for the
// self-chat) and media state updates, all merged onto the session's view
// channel.
func (e *Engine) Open(ctx context.Context, otherID string) (*Session, error) {
	chatID, err := e.resolver.Resolve(ctx, otherID)
	if err != nil {
		return nil, fmt.Errorf("resolve chat: %w", err)
	}
	peer := e.peerKey(otherID)
	sess := newSession(chatID, peer)

	cancelMsgs, err := e.stream.Subscribe(chatID, func(msgs []chat.Message) {
		sess.setMessages(msgs, e.cache.Observe(chatID, msgs))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	sess.cancels = append(sess.cancels, cancelMsgs)

	if peer != e.self {
		cancelPresence, err := e.presence.Subscribe(peer, func(online bool, lastActive time.Time) {
			sess.setPresenceText(presence.StatusText(online, lastActive, time.Now()))
		})
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("subscribe presence: %w", err)
		}
		sess.cancels = append(sess.cancels, cancelPresence)
	}

	events, cancelBus := e.bus.Subscribe("media.", bus.DefaultBuffer)
	sess.cancels = append(sess.cancels, cancelBus)
	go func() {
		for {
			select {
			case <-sess.done:
				return
			case evt := <-events:
				if evt.ChatID != chatID {
					continue
				}
				// Re-merge local attachment state over the last snapshot.
				if raw := sess.rawMessages(); raw != nil {
					sess.setMessages(raw, e.cache.Observe(chatID, raw))
				}
			}
		}
	}()

	// The session enters the registry only once every subscription is
	// wired. cancels is complete before any other goroutine can reach the
	// session, so a concurrent Open displacing it closes the whole thing.
	e.mu.Lock()
	prev := e.sessions[peer]
	e.sessions[peer] = sess
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	e.logger.Info("opened session", zap.String("chat_id", chatID), zap.String("peer", peer))
	return sess, nil
}

// Close tears down every open session.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// ResolveChat returns the canonical chat id for a peer, creating the chat
// when absent.
func (e *Engine) ResolveChat(ctx context.Context, otherID string) (string, error) {
	return e.resolver.Resolve(ctx, otherID)
}

// SendText appends a text message to a chat.
func (e *Engine) SendText(ctx context.Context, chatID, text string) (string, error) {
	return e.stream.SendText(ctx, chatID, text)
}

// SendMedia places the pending attachment message and uploads in the
// background, returning the message id as soon as the placeholder exists.
func (e *Engine) SendMedia(ctx context.Context, chatID string, req media.SendRequest) (string, error) {
	return e.outbound.Send(ctx, chatID, req)
}

// MarkRead advances unseen messages to read and zeroes the caller's unread
// counter.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	return e.stream.MarkRead(ctx, chatID)
}

// SetTyping toggles the caller's typing flag on a chat.
func (e *Engine) SetTyping(ctx context.Context, chatID string, isTyping bool) error {
	return e.stream.SetTyping(ctx, chatID, isTyping)
}

// RetryUpload re-runs a failed attachment upload keyed by message id.
func (e *Engine) RetryUpload(ctx context.Context, msgID string) error {
	return e.outbound.Upload(ctx, msgID)
}

// RetryDownload re-queues a failed attachment download.
func (e *Engine) RetryDownload(chatID, msgID string) {
	e.cache.Retry(chatID, msgID)
}

// Heartbeat publishes the caller's presence flag.
func (e *Engine) Heartbeat(ctx context.Context, online bool) error {
	return e.presence.Heartbeat(ctx, online)
}
