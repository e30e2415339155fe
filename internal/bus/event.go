package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix, e.g. "media." receives every media event.
const (
	KindMediaQueued       = "media.download_queued"
	KindMediaDownloading  = "media.downloading"
	KindMediaDone         = "media.download_done"
	KindMediaFailed       = "media.download_failed"
	KindMediaUploadFailed = "media.upload_failed"
	KindMediaUploaded     = "media.uploaded"
	KindPresenceHeartbeat = "presence.heartbeat"
	KindChatMigrated      = "chat.legacy_migrated"
)

// Event is a domain event. ChatID and MessageID identify the affected
// documents where that makes sense for the kind; Payload carries anything
// kind-specific.
type Event struct {
	Kind      string
	ChatID    string
	MessageID string
	Timestamp time.Time
	Payload   any
}
