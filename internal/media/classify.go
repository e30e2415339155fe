// Package media moves attachments between the device and the blob store:
// the outbound two-phase send pipeline and the inbound download cache.
package media

import "strings"

// Locality says where a message's attachment reference can be resolved.
type Locality int

const (
	// LocalityUnknown means the reference is neither resolvable on this
	// device nor fetchable; the UI waits for explicit user action.
	LocalityUnknown Locality = iota
	// LocalityLocal means the reference is readable on this device as-is.
	LocalityLocal
	// LocalityRemote means the reference is a network URL.
	LocalityRemote
)

func (l Locality) String() string {
	switch l {
	case LocalityLocal:
		return "local"
	case LocalityRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Classify decides the locality of an attachment reference at receive time.
// content and data schemes and absolute paths are always local. A file
// scheme URI is local only when the subscriber is the message's own sender:
// a receiver must never treat another device's file path as resolvable.
// That heuristic is wrong for a second device on the same account, which is
// accepted; such a URI resolves to a missing file, not a crash.
func Classify(uri, senderID, subscriberID string) Locality {
	switch {
	case uri == "":
		return LocalityUnknown
	case strings.HasPrefix(uri, "content://"),
		strings.HasPrefix(uri, "data:"),
		strings.HasPrefix(uri, "/"):
		return LocalityLocal
	case strings.HasPrefix(uri, "file:"):
		if senderID != "" && senderID == subscriberID {
			return LocalityLocal
		}
		return LocalityUnknown
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return LocalityRemote
	default:
		return LocalityUnknown
	}
}
