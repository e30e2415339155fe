package media

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
)

// queueBuffer bounds the per-chat download queue. Overflow drops the task;
// the message stays pending and the next Observe of the chat re-queues it.
const queueBuffer = 128

// Cache resolves inbound attachment references to on-device files. Each
// message is classified once; image and video stay remote previews, audio
// and generic files are fetched in the background, one at a time per chat.
// Resolved state is memoized in memory and in the ledger so a downloaded
// attachment never reverts to remote-only across snapshot refreshes or
// process restarts.
type Cache struct {
	self     string
	mediaDir string
	blobs    remote.Blobs
	ledger   *store.DB
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	loaded  map[string]bool
	queues  map[string]chan string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type cacheEntry struct {
	kind      chat.Kind
	mime      string
	remoteURL string
	localPath string
	status    chat.DownloadStatus
}

// NewCache creates the inbound cache for the given subscriber identity.
// Downloads land under mediaDir/<chatID>/.
func NewCache(self, mediaDir string, blobs remote.Blobs, ledger *store.DB, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		self:     self,
		mediaDir: mediaDir,
		blobs:    blobs,
		ledger:   ledger,
		bus:      b,
		logger:   logger,
		entries:  make(map[string]*cacheEntry),
		loaded:   make(map[string]bool),
		queues:   make(map[string]chan string),
		done:     make(chan struct{}),
	}
}

// Observe maps a snapshot batch to local views. Attachment messages seen
// before reuse their known state; new ones are classified and, for audio and
// file kinds with a network URL, queued for download. A batch arriving while
// a download is in flight never regresses that message's state.
func (c *Cache) Observe(chatID string, msgs []chat.Message) []chat.LocalMessageView {
	views := make([]chat.LocalMessageView, 0, len(msgs))
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded[chatID] {
		c.warmLocked(chatID)
		c.loaded[chatID] = true
	}

	for _, m := range msgs {
		view := chat.LocalMessageView{Message: m, DownloadStatus: chat.DownloadIdle}
		if m.Kind == chat.KindText || m.Kind == "" {
			views = append(views, view)
			continue
		}

		e := c.entryLocked(chatID, m)
		view.LocalPath = e.localPath
		view.RemoteURL = e.remoteURL
		view.DownloadStatus = e.status
		views = append(views, view)
	}
	return views
}

// entryLocked returns the memoized state for a message, classifying it on
// first sight.
func (c *Cache) entryLocked(chatID string, m chat.Message) *cacheEntry {
	key := chatID + "/" + m.ID
	if e, ok := c.entries[key]; ok {
		if e.mime == "" {
			e.mime = m.Mime
		}
		// Restores a queue task dropped on overflow. Duplicates are
		// harmless, the worker skips anything no longer pending.
		if e.status == chat.DownloadPending {
			c.enqueueLocked(chatID, m.ID)
		}
		return e
	}

	e, memoize := c.classify(chatID, m)
	if memoize {
		c.entries[key] = e
	}
	return e
}

// warmLocked bulk-loads a chat's ledger rows on first sight of the chat, so
// state from a previous session is known before any message is classified.
// A row left in downloading by a dead process is treated as pending and
// re-queued.
func (c *Cache) warmLocked(chatID string) {
	recs, err := c.ledger.ChatCacheEntries(chatID)
	if err != nil {
		c.logger.Warn("ledger preload failed", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for _, rec := range recs {
		key := chatID + "/" + rec.MsgID
		if _, ok := c.entries[key]; ok {
			continue
		}
		e := &cacheEntry{
			kind:      chat.Kind(rec.Kind),
			remoteURL: rec.RemoteURL,
			localPath: rec.LocalPath,
			status:    chat.DownloadStatus(rec.Status),
		}
		if rec.Status == store.CachePending || rec.Status == store.CacheDownloading {
			e.status = chat.DownloadPending
			c.enqueueLocked(chatID, rec.MsgID)
		}
		c.entries[key] = e
	}
}

// classify decides a first-sight message's state. Unknown references are
// not memoized: a pending placeholder carries the sender's local URI, which
// turns into a fetchable URL once the upload patch lands, and the next
// refresh must be allowed to re-classify it.
func (c *Cache) classify(chatID string, m chat.Message) (_ *cacheEntry, memoize bool) {
	e := &cacheEntry{kind: m.Kind, mime: m.Mime, status: chat.DownloadIdle}
	switch Classify(m.URL, m.SenderID, c.self) {
	case LocalityLocal:
		e.localPath = m.URL
		e.status = chat.DownloadDone
		c.persist(chatID, m.ID, store.CacheEntry{
			ChatID: chatID, MsgID: m.ID, Kind: string(m.Kind),
			LocalPath: m.URL, Status: store.CacheDone,
		})
	case LocalityRemote:
		e.remoteURL = m.URL
		if m.Kind == chat.KindImage || m.Kind == chat.KindVideo {
			// Large visual media streams on demand; no forced pre-fetch.
			c.persist(chatID, m.ID, store.CacheEntry{
				ChatID: chatID, MsgID: m.ID, Kind: string(m.Kind),
				RemoteURL: m.URL, Status: store.CacheIdle,
			})
			break
		}
		// Native viewers for audio and files need a local path.
		e.status = chat.DownloadPending
		c.persist(chatID, m.ID, store.CacheEntry{
			ChatID: chatID, MsgID: m.ID, Kind: string(m.Kind),
			RemoteURL: m.URL, Status: store.CachePending,
		})
		c.enqueueLocked(chatID, m.ID)
		c.publish(bus.KindMediaQueued, chatID, m.ID, nil)
	default:
		return e, false
	}
	return e, true
}

func (c *Cache) persist(chatID, msgID string, rec store.CacheEntry) {
	if err := c.ledger.UpsertCacheEntry(rec); err != nil {
		c.logger.Warn("ledger write failed", zap.Error(err), zap.String("msg_id", msgID), zap.String("chat_id", chatID))
	}
}

// Retry re-queues a single failed download. It is a no-op unless the message
// is in failed state with a known remote URL.
func (c *Cache) Retry(chatID, msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID+"/"+msgID]
	if !ok {
		// A failure can predate this process; the ledger remembers it.
		rec, err := c.ledger.GetCacheEntry(chatID, msgID)
		if err != nil || rec == nil {
			return
		}
		e = &cacheEntry{
			kind:      chat.Kind(rec.Kind),
			remoteURL: rec.RemoteURL,
			localPath: rec.LocalPath,
			status:    chat.DownloadStatus(rec.Status),
		}
		c.entries[chatID+"/"+msgID] = e
	}
	if e.status != chat.DownloadFailed || e.remoteURL == "" {
		return
	}
	e.status = chat.DownloadPending
	c.persist(chatID, msgID, store.CacheEntry{
		ChatID: chatID, MsgID: msgID, Kind: string(e.kind),
		RemoteURL: e.remoteURL, Status: store.CachePending,
	})
	c.enqueueLocked(chatID, msgID)
	c.publish(bus.KindMediaQueued, chatID, msgID, nil)
}

// Status returns the memoized state of a message, if any.
func (c *Cache) Status(chatID, msgID string) (chat.DownloadStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID+"/"+msgID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// enqueueLocked hands a message to the chat's sequential download worker,
// starting the worker on first use. Callers hold c.mu.
func (c *Cache) enqueueLocked(chatID, msgID string) {
	q, ok := c.queues[chatID]
	if !ok {
		q = make(chan string, queueBuffer)
		c.queues[chatID] = q
		c.wg.Add(1)
		go c.worker(chatID, q)
	}
	select {
	case q <- msgID:
	default:
		c.logger.Warn("download queue full", zap.String("chat_id", chatID), zap.String("msg_id", msgID))
	}
}

// worker drains one chat's queue, one download at a time.
func (c *Cache) worker(chatID string, q chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msgID := <-q:
			c.download(chatID, msgID)
		}
	}
}

func (c *Cache) download(chatID, msgID string) {
	c.mu.Lock()
	e, ok := c.entries[chatID+"/"+msgID]
	if !ok || e.status != chat.DownloadPending {
		c.mu.Unlock()
		return
	}
	url := e.remoteURL
	dest := c.destPath(chatID, msgID, e.mime, url)
	e.status = chat.DownloadDownloading
	c.mu.Unlock()

	if err := c.ledger.MarkDownloading(chatID, msgID); err != nil {
		c.logger.Warn("ledger write failed", zap.Error(err), zap.String("msg_id", msgID))
	}
	c.publish(bus.KindMediaDownloading, chatID, msgID, nil)

	err := os.MkdirAll(filepath.Dir(dest), 0o700)
	if err == nil {
		err = c.blobs.Download(context.Background(), url, dest)
	}

	c.mu.Lock()
	if err != nil {
		e.status = chat.DownloadFailed
		c.mu.Unlock()
		if lerr := c.ledger.MarkFailed(chatID, msgID, err.Error()); lerr != nil {
			c.logger.Warn("ledger write failed", zap.Error(lerr), zap.String("msg_id", msgID))
		}
		c.logger.Error("download failed", zap.Error(err), zap.String("chat_id", chatID), zap.String("msg_id", msgID))
		c.publish(bus.KindMediaFailed, chatID, msgID, err.Error())
		return
	}
	e.status = chat.DownloadDone
	e.localPath = dest
	e.remoteURL = ""
	c.mu.Unlock()

	if lerr := c.ledger.MarkDone(chatID, msgID, dest); lerr != nil {
		c.logger.Warn("ledger write failed", zap.Error(lerr), zap.String("msg_id", msgID))
	}
	c.logger.Info("attachment cached", zap.String("chat_id", chatID), zap.String("msg_id", msgID), zap.String("path", dest))
	c.publish(bus.KindMediaDone, chatID, msgID, dest)
}

// destPath picks the cache file name, preferring an extension derived from
// the declared MIME type over one parsed from the URL.
func (c *Cache) destPath(chatID, msgID, mime, url string) string {
	ext := ""
	if mime != "" {
		if mt := mimetype.Lookup(mime); mt != nil {
			ext = mt.Extension()
		}
	}
	if ext == "" {
		ext = path.Ext(url)
	}
	return filepath.Join(c.mediaDir, chatID, msgID+ext)
}

func (c *Cache) publish(kind, chatID, msgID string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, ChatID: chatID, MessageID: msgID, Payload: payload})
}

// Close stops every download worker. In-flight downloads finish and write
// their result.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}
