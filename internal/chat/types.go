package chat

import "errors"

// ErrNotAuthenticated is returned when an operation needs a caller identity
// and none is configured. It is never retried silently.
var ErrNotAuthenticated = errors.New("not authenticated")

// Remote collection names.
const (
	CollectionChats    = "chats"
	CollectionPresence = "presence"
)

// ChatPath returns the document path of a chat.
func ChatPath(chatID string) string { return CollectionChats + "/" + chatID }

// MessagesCollection returns the message collection path of a chat.
func MessagesCollection(chatID string) string { return ChatPath(chatID) + "/messages" }

// MessagePath returns the document path of a message.
func MessagePath(chatID, msgID string) string { return MessagesCollection(chatID) + "/" + msgID }

// PresencePath returns the document path of a user's presence record.
func PresencePath(userID string) string { return CollectionPresence + "/" + userID }

// Kind is the message payload kind.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Placeholder returns the denormalized chat-list text used for an
// attachment message sent without a caption.
func (k Kind) Placeholder() string {
	switch k {
	case KindImage:
		return "[Photo]"
	case KindVideo:
		return "[Video]"
	case KindAudio:
		return "[Audio]"
	case KindFile:
		return "[File]"
	default:
		return ""
	}
}

// Chat is the persistent record of a two-party conversation. At most one
// chat exists per unordered member pair; MemberHash is always derived from
// the sorted pair.
type Chat struct {
	ID            string
	MemberIDs     []string
	MemberHash    string
	CreatedAt     int64
	LastMessage   string
	LastMessageAt int64
	Unread        map[string]int64
	Typing        map[string]bool
}

// Message belongs to exactly one chat. CreatedAt is assigned by the store,
// strictly increases per chat and is the only valid display order key.
// Attachment fields are zero for text messages.
type Message struct {
	ID          string
	SenderID    string
	Text        string
	Kind        Kind
	CreatedAt   int64
	Status      DeliveryStatus
	SeenBy      []string
	DeliveredTo []string

	URL        string
	Thumb      string
	Mime       string
	Name       string
	Size       int64
	Width      int
	Height     int
	DurationMs int64
}

// PresenceRecord is a user's self-reported heartbeat. Readers must judge
// freshness from LastActive, never from Online alone.
type PresenceRecord struct {
	Online     bool
	LastActive int64
}

// LocalMessageView is the client-only unit the UI consumes: a message
// enriched with on-device attachment state. LocalPath is set once the
// attachment is available locally; RemoteURL holds the pending download
// source and is cleared when cached.
type LocalMessageView struct {
	Message
	LocalPath      string
	RemoteURL      string
	DownloadStatus DownloadStatus
}
