package chat

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/remote"
)

// Self sentinels accepted wherever a peer id is expected. They all resolve
// to the caller's own id (the self-chat).
const (
	SelfSentinelMe   = "me"
	SelfSentinelSelf = "self"
)

// MemberHash returns the canonical pair and hash for two participant ids.
// The hash is derived from the lexicographically sorted pair, never from
// insertion order, so both participants compute the same chat identity.
func MemberHash(a, b string) (members []string, hash string) {
	members = []string{a, b}
	sort.Strings(members)
	return members, members[0] + "_" + members[1]
}

// legacySelfHash is the pre-migration encoding of a self-chat, from before
// self-chats stored the real uid pair.
func legacySelfHash(self string) string { return self + "_me" }

// Resolver finds or creates the one canonical chat shared by two
// participants, migrating legacy-encoded self-chats in place.
type Resolver struct {
	store  remote.Store
	self   string
	bus    *bus.Bus
	logger *zap.Logger
}

// NewResolver creates a resolver acting as the given user.
func NewResolver(store remote.Store, self string, b *bus.Bus, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, self: self, bus: b, logger: logger}
}

// normalizeOther maps the self sentinels (and an empty id) to the caller.
func (r *Resolver) normalizeOther(otherID string) string {
	if otherID == "" || otherID == SelfSentinelMe || otherID == SelfSentinelSelf {
		return r.self
	}
	return otherID
}

// Find returns the id of the chat shared with otherID, or "" when no such
// chat exists. It never creates and never migrates.
func (r *Resolver) Find(ctx context.Context, otherID string) (string, error) {
	if r.self == "" {
		return "", ErrNotAuthenticated
	}
	other := r.normalizeOther(otherID)
	_, hash := MemberHash(r.self, other)

	id, err := r.byHash(ctx, hash)
	if err != nil || id != "" {
		return id, err
	}

	if other == r.self {
		id, err = r.byHash(ctx, legacySelfHash(r.self))
		if err != nil || id != "" {
			return id, err
		}
	}

	return r.scan(ctx, other, hash, false)
}

// Resolve returns the id of the canonical chat shared with otherID,
// creating it when absent. A legacy self-chat found under the old hash is
// rewritten in place (same id, corrected member fields) instead of letting
// a duplicate self-chat appear.
func (r *Resolver) Resolve(ctx context.Context, otherID string) (string, error) {
	if r.self == "" {
		return "", ErrNotAuthenticated
	}
	other := r.normalizeOther(otherID)
	members, hash := MemberHash(r.self, other)

	id, err := r.byHash(ctx, hash)
	if err != nil || id != "" {
		return id, err
	}

	if other == r.self {
		id, err = r.byHash(ctx, legacySelfHash(r.self))
		if err != nil {
			return "", err
		}
		if id != "" {
			if err := r.migrate(ctx, id, members, hash); err != nil {
				return "", err
			}
			return id, nil
		}
	}

	// Defends against a missing or stale memberHash index.
	id, err = r.scan(ctx, other, hash, true)
	if err != nil || id != "" {
		return id, err
	}

	return r.create(ctx, other, members, hash)
}

// byHash is the indexed point lookup. Empty result means not found, never
// an error.
func (r *Resolver) byHash(ctx context.Context, hash string) (string, error) {
	snaps, err := r.store.Query(ctx, remote.Query{
		Collection: CollectionChats,
		Filters:    []remote.Filter{remote.Where("memberHash", remote.OpEq, hash)},
		Limit:      1,
	})
	if err != nil {
		return "", fmt.Errorf("chat lookup by hash: %w", err)
	}
	if len(snaps) == 0 {
		return "", nil
	}
	return snaps[0].ID, nil
}

// scan walks every chat containing the caller, recomputing hashes. With
// migrate set, a legacy self-chat found this way is rewritten in place.
func (r *Resolver) scan(ctx context.Context, other, hash string, migrate bool) (string, error) {
	snaps, err := r.store.Query(ctx, remote.Query{
		Collection: CollectionChats,
		Filters:    []remote.Filter{remote.Where("memberIds", remote.OpContains, r.self)},
	})
	if err != nil {
		return "", fmt.Errorf("chat scan: %w", err)
	}
	legacy := legacySelfHash(r.self)
	for _, snap := range snaps {
		h := docString(snap.Data, "memberHash")
		if h == hash {
			return snap.ID, nil
		}
		if other == r.self && h == legacy {
			if migrate {
				members, _ := MemberHash(r.self, r.self)
				if err := r.migrate(ctx, snap.ID, members, hash); err != nil {
					return "", err
				}
			}
			return snap.ID, nil
		}
	}
	return "", nil
}

func (r *Resolver) migrate(ctx context.Context, chatID string, members []string, hash string) error {
	err := r.store.Set(ctx, ChatPath(chatID), remote.Doc{
		"memberIds":  members,
		"memberHash": hash,
	}, true)
	if err != nil {
		return fmt.Errorf("migrate legacy self-chat: %w", err)
	}
	r.logger.Info("migrated legacy self-chat", zap.String("chat_id", chatID))
	if r.bus != nil {
		r.bus.Publish(bus.Event{Kind: bus.KindChatMigrated, ChatID: chatID})
	}
	return nil
}

func (r *Resolver) create(ctx context.Context, other string, members []string, hash string) (string, error) {
	id, err := r.store.Create(ctx, CollectionChats, remote.Doc{
		"memberIds":  members,
		"memberHash": hash,
		"createdAt":  remote.ServerTime(),
		"unread":     map[string]any{r.self: 0, other: 0},
		"typing":     map[string]any{r.self: false, other: false},
	})
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	r.logger.Info("created chat", zap.String("chat_id", id), zap.String("member_hash", hash))
	return id, nil
}
