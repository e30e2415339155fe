package store

// Cache entry statuses. They mirror the attachment lifecycle the sync
// engine reports to the UI.
const (
	CacheIdle        = "idle"
	CachePending     = "pending"
	CacheDownloading = "downloading"
	CacheDone        = "done"
	CacheFailed      = "failed"
)

// Upload record statuses.
const (
	UploadPending = "pending"
	UploadSent    = "sent"
	UploadFailed  = "failed"
)

// CacheEntry is the durable record of one message attachment's on-device
// state. LocalPath is non-empty once the payload is cached; RemoteURL is the
// download source and is cleared when caching completes.
type CacheEntry struct {
	ChatID       string
	MsgID        string
	Kind         string
	RemoteURL    string
	LocalPath    string
	Status       string
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}

// UploadRecord tracks an outbound attachment between its placeholder write
// and the completed blob upload, so interrupted uploads can be retried after
// a restart.
type UploadRecord struct {
	MsgID        string
	ChatID       string
	LocalURI     string
	Kind         string
	Status       string
	BlobURL      string
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}
