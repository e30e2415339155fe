package chat

// DeliveryStatus is the forward-only lifecycle of a message.
// Pending exists only for attachment messages awaiting upload completion.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the total order pending < sent <
// delivered < read. Unknown statuses rank below pending.
func (s DeliveryStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// CanAdvance reports whether moving from s to next goes forward. Status
// never moves backward; re-applying the same status is a no-op, not an
// advance.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	return next.Rank() > s.Rank()
}

// Merge returns the further-along of the two statuses, so a stale snapshot
// can never regress a message already observed as read.
func (s DeliveryStatus) Merge(other DeliveryStatus) DeliveryStatus {
	if s.CanAdvance(other) {
		return other
	}
	return s
}

// DownloadStatus is the per-attachment state of the inbound media cache.
type DownloadStatus string

const (
	DownloadIdle        DownloadStatus = "idle"
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadDone        DownloadStatus = "done"
	DownloadFailed      DownloadStatus = "failed"
)
