package sync

import (
	"sync"

	"github.com/courierchat/courier/internal/chat"
)

// View is the merged per-conversation unit pushed to the UI: the live
// message window enriched with local attachment state, plus the peer's
// rendered presence line.
type View struct {
	ChatID       string
	PeerID       string
	Messages     []chat.LocalMessageView
	PresenceText string
}

// Session is one open conversation. Its message watch, presence watch and
// media event subscription live and die together; Close tears all three
// down as one idempotent unit. In-flight uploads and downloads are not
// cancelled — their writes target message ids and land harmlessly after
// teardown.
type Session struct {
	ChatID string
	PeerID string

	views   chan View
	cancels []func()
	done    chan struct{}
	once    sync.Once

	mu           sync.Mutex
	raw          []chat.Message
	messages     []chat.LocalMessageView
	statuses     map[string]chat.DeliveryStatus
	presenceText string
}

func newSession(chatID, peerID string) *Session {
	return &Session{
		ChatID:   chatID,
		PeerID:   peerID,
		views:    make(chan View, 1),
		statuses: make(map[string]chat.DeliveryStatus),
		done:     make(chan struct{}),
	}
}

// Views delivers merged snapshots, latest wins: a slow consumer sees the
// newest state, never a backlog.
func (s *Session) Views() <-chan View {
	return s.views
}

// Close tears down every subscription of the session. Safe to call more
// than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		for _, cancel := range s.cancels {
			cancel()
		}
	})
}

// setMessages stores the batch, pinning each message at the furthest
// delivery status ever displayed. Watch snapshots race the delivered- and
// read-marking writes, so a stale batch may carry an older status; the pin
// keeps a message shown as read from flickering back to delivered.
func (s *Session) setMessages(raw []chat.Message, views []chat.LocalMessageView) {
	s.mu.Lock()
	for i := range views {
		merged := views[i].Status.Merge(s.statuses[views[i].ID])
		views[i].Status = merged
		s.statuses[views[i].ID] = merged
	}
	s.raw = raw
	s.messages = views
	s.mu.Unlock()
	s.emit()
}

func (s *Session) rawMessages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

func (s *Session) setPresenceText(text string) {
	s.mu.Lock()
	s.presenceText = text
	s.mu.Unlock()
	s.emit()
}

// emit coalesces: an unconsumed older view is replaced by the current one.
func (s *Session) emit() {
	s.mu.Lock()
	v := View{
		ChatID:       s.ChatID,
		PeerID:       s.PeerID,
		Messages:     s.messages,
		PresenceText: s.presenceText,
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.views <- v:
			return
		default:
			select {
			case <-s.views:
			default:
			}
		}
	}
}
