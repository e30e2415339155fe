// Package stream is the real-time, ordered view of a chat's messages. It
// owns the delivery state machine: subscribing auto-advances other senders'
// messages to delivered, and MarkRead advances them to read.
package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/remote"
)

// Store exposes one chat's message stream and its write operations, acting
// as a fixed caller identity.
type Store struct {
	remote   remote.Store
	self     string
	pageSize int
	logger   *zap.Logger
}

// New creates a message stream store for the given user. pageSize bounds
// the live window of most recent messages per subscription.
func New(store remote.Store, self string, pageSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{remote: store, self: self, pageSize: pageSize, logger: logger}
}

// Subscribe watches the most recent messages of a chat, newest first. On
// every snapshot, messages authored by others that are still sent are
// advanced to delivered in one atomic batch before fn runs; re-observing an
// already delivered message writes nothing.
func (s *Store) Subscribe(chatID string, fn func([]chat.Message)) (func(), error) {
	if s.self == "" {
		return nil, chat.ErrNotAuthenticated
	}
	q := remote.Query{
		Collection: chat.MessagesCollection(chatID),
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      s.pageSize,
	}
	return s.remote.WatchQuery(q, func(snaps []remote.Snapshot) {
		msgs := make([]chat.Message, 0, len(snaps))
		var writes []remote.Write
		for _, snap := range snaps {
			m := chat.MessageFromSnapshot(snap)
			if m.SenderID != s.self && m.Status == chat.StatusSent {
				writes = append(writes, remote.Write{
					Path: snap.Path,
					Fields: remote.Doc{
						"status":      string(chat.StatusDelivered),
						"deliveredTo": remote.Union(s.self),
					},
					Merge: true,
				})
			}
			msgs = append(msgs, m)
		}
		if len(writes) > 0 {
			if err := s.remote.Apply(context.Background(), writes); err != nil {
				s.logger.Error("failed to mark batch delivered", zap.Error(err), zap.String("chat_id", chatID))
			}
		}
		fn(msgs)
	})
}

// SendText appends a text message and updates the chat's denormalized
// last-message fields and unread counters in one transaction.
func (s *Store) SendText(ctx context.Context, chatID, text string) (string, error) {
	return s.Append(ctx, chatID, remote.Doc{
		"text":   text,
		"type":   string(chat.KindText),
		"status": string(chat.StatusSent),
	}, text)
}

// Append writes a new message document plus the chat bookkeeping (last
// message preview, unread increment for every other participant) as one
// atomic transaction, and returns the new message id. fields supplies the
// message-specific keys (text, type, status, attachment metadata); sender,
// creation time and the seen/delivered sets are filled in here.
func (s *Store) Append(ctx context.Context, chatID string, fields remote.Doc, preview string) (string, error) {
	if s.self == "" {
		return "", chat.ErrNotAuthenticated
	}
	msgID := uuid.NewString()

	err := s.remote.RunTransaction(ctx, func(tx remote.Tx) error {
		chatDoc, err := tx.Get(chat.ChatPath(chatID))
		if err != nil {
			return err
		}
		c := chat.ChatFromSnapshot(remote.Snapshot{ID: chatID, Data: chatDoc})

		doc := remote.Doc{
			"senderId":    s.self,
			"createdAt":   remote.ServerTime(),
			"seenBy":      []string{s.self},
			"deliveredTo": []string{},
		}
		for k, v := range fields {
			doc[k] = v
		}
		tx.Set(chat.MessagePath(chatID, msgID), doc, false)

		unread := make(map[string]any, len(c.Unread))
		for uid, n := range c.Unread {
			unread[uid] = n
		}
		for _, uid := range c.MemberIDs {
			if uid == s.self {
				continue
			}
			unread[uid] = c.Unread[uid] + 1
		}
		tx.Set(chat.ChatPath(chatID), remote.Doc{
			"lastMessage":   preview,
			"lastMessageAt": remote.ServerTime(),
			"unread":        unread,
		}, true)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return msgID, nil
}

// Patch merges fields into an existing message document.
func (s *Store) Patch(ctx context.Context, chatID, msgID string, fields remote.Doc) error {
	return s.remote.Set(ctx, chat.MessagePath(chatID, msgID), fields, true)
}

// MarkRead advances every other sender's sent or delivered message to read
// in one batch, then zeroes the caller's unread counter in a separate merge
// write. The two steps are only eventually consistent with each other; a
// failure between them heals on the next MarkRead.
func (s *Store) MarkRead(ctx context.Context, chatID string) error {
	if s.self == "" {
		return chat.ErrNotAuthenticated
	}
	snaps, err := s.remote.Query(ctx, remote.Query{
		Collection: chat.MessagesCollection(chatID),
		Filters: []remote.Filter{
			remote.Where("senderId", remote.OpNotEq, s.self),
			remote.Where("status", remote.OpIn, []string{string(chat.StatusSent), string(chat.StatusDelivered)}),
		},
	})
	if err != nil {
		return fmt.Errorf("query unread messages: %w", err)
	}

	writes := make([]remote.Write, 0, len(snaps))
	for _, snap := range snaps {
		writes = append(writes, remote.Write{
			Path: snap.Path,
			Fields: remote.Doc{
				"status": string(chat.StatusRead),
				"seenBy": remote.Union(s.self),
			},
			Merge: true,
		})
	}
	if len(writes) > 0 {
		if err := s.remote.Apply(ctx, writes); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
	}

	if err := s.remote.Set(ctx, chat.ChatPath(chatID), remote.Doc{"unread." + s.self: 0}, true); err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}
	return nil
}

// SetTyping merge-writes the caller's typing flag. Last write wins; there
// is no durability guarantee.
func (s *Store) SetTyping(ctx context.Context, chatID string, isTyping bool) error {
	if s.self == "" {
		return chat.ErrNotAuthenticated
	}
	return s.remote.Set(ctx, chat.ChatPath(chatID), remote.Doc{"typing." + s.self: isTyping}, true)
}
