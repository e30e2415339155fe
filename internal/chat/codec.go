package chat

import "github.com/courierchat/courier/internal/remote"

// MessageFromSnapshot decodes a message document. Unknown or missing fields
// decode to zero values; remote documents written by older clients may lack
// kind and attachment metadata.
func MessageFromSnapshot(s remote.Snapshot) Message {
	d := s.Data
	m := Message{
		ID:          s.ID,
		SenderID:    docString(d, "senderId"),
		Text:        docString(d, "text"),
		CreatedAt:   docInt64(d, "createdAt"),
		Status:      DeliveryStatus(docString(d, "status")),
		SeenBy:      docStrings(d, "seenBy"),
		DeliveredTo: docStrings(d, "deliveredTo"),
		URL:         docString(d, "url"),
		Thumb:       docString(d, "thumb"),
		Mime:        docString(d, "mime"),
		Name:        docString(d, "name"),
		Size:        docInt64(d, "size"),
		Width:       int(docInt64(d, "width")),
		Height:      int(docInt64(d, "height")),
		DurationMs:  docInt64(d, "durationMs"),
	}
	m.Kind = Kind(docString(d, "type"))
	if m.Kind == "" {
		m.Kind = KindText
	}
	return m
}

// ChatFromSnapshot decodes a chat document.
func ChatFromSnapshot(s remote.Snapshot) Chat {
	d := s.Data
	c := Chat{
		ID:            s.ID,
		MemberIDs:     docStrings(d, "memberIds"),
		MemberHash:    docString(d, "memberHash"),
		CreatedAt:     docInt64(d, "createdAt"),
		LastMessage:   docString(d, "lastMessage"),
		LastMessageAt: docInt64(d, "lastMessageAt"),
		Unread:        make(map[string]int64),
		Typing:        make(map[string]bool),
	}
	if unread, ok := d["unread"].(map[string]any); ok {
		for uid, v := range unread {
			c.Unread[uid] = anyInt64(v)
		}
	}
	if typing, ok := d["typing"].(map[string]any); ok {
		for uid, v := range typing {
			flag, _ := v.(bool)
			c.Typing[uid] = flag
		}
	}
	return c
}

// PresenceFromSnapshot decodes a presence document. A missing document
// decodes to the zero record (offline, never active).
func PresenceFromSnapshot(s remote.Snapshot) PresenceRecord {
	if !s.Exists() {
		return PresenceRecord{}
	}
	online, _ := s.Data["online"].(bool)
	return PresenceRecord{
		Online:     online,
		LastActive: docInt64(s.Data, "lastActive"),
	}
}

func docString(d remote.Doc, key string) string {
	s, _ := d[key].(string)
	return s
}

func docInt64(d remote.Doc, key string) int64 {
	return anyInt64(d[key])
}

func anyInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func docStrings(d remote.Doc, key string) []string {
	switch t := d[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
