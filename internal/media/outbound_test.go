package media

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/stream"
)

// stubBlobs counts calls and fails the first Failures uploads or downloads.
type stubBlobs struct {
	mu        sync.Mutex
	Failures  int
	Info      remote.BlobInfo
	uploads   int
	downloads int
	block     chan struct{}
}

func (s *stubBlobs) Upload(ctx context.Context, localURI string) (remote.BlobInfo, error) {
	s.mu.Lock()
	s.uploads++
	fail := s.uploads <= s.Failures
	s.mu.Unlock()
	if fail {
		return remote.BlobInfo{}, errors.New("upload refused")
	}
	return s.Info, nil
}

func (s *stubBlobs) Download(ctx context.Context, url, destPath string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.downloads++
	fail := s.downloads <= s.Failures
	s.mu.Unlock()
	if fail {
		return errors.New("download refused")
	}
	return writeFixture(destPath)
}

func (s *stubBlobs) downloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func testLedger(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChat(t *testing.T, m *remote.Memory, a, b string) string {
	t.Helper()
	id, err := chat.NewResolver(m, a, nil, nil).Resolve(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func getMessage(t *testing.T, m *remote.Memory, chatID, msgID string) chat.Message {
	t.Helper()
	doc, err := m.Get(context.Background(), chat.MessagePath(chatID, msgID))
	if err != nil || doc == nil {
		t.Fatalf("message %s: doc=%v err=%v", msgID, doc, err)
	}
	return chat.MessageFromSnapshot(remote.Snapshot{ID: msgID, Data: doc})
}

func getChat(t *testing.T, m *remote.Memory, chatID string) chat.Chat {
	t.Helper()
	doc, err := m.Get(context.Background(), chat.ChatPath(chatID))
	if err != nil {
		t.Fatal(err)
	}
	return chat.ChatFromSnapshot(remote.Snapshot{ID: chatID, Data: doc})
}

func TestPlaceWritesPendingPlaceholder(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()
	chatID := testChat(t, m, "alice", "bob")
	ledger := testLedger(t)

	o := NewOutbound(stream.New(m, "alice", 50, nil), &stubBlobs{}, ledger, nil, nil)
	msgID, err := o.Place(ctx, chatID, SendRequest{
		Kind:     chat.KindImage,
		LocalURI: "file:///tmp/pic.png",
		Mime:     "image/png",
		Name:     "pic.png",
		Size:     10,
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	msg := getMessage(t, m, chatID, msgID)
	if msg.Status != chat.StatusPending {
		t.Errorf("status = %q, want pending", msg.Status)
	}
	if msg.URL != "file:///tmp/pic.png" {
		t.Errorf("url = %q, want the local URI for immediate rendering", msg.URL)
	}
	if msg.Kind != chat.KindImage {
		t.Errorf("kind = %q", msg.Kind)
	}

	c := getChat(t, m, chatID)
	if c.LastMessage != "[Photo]" {
		t.Errorf("lastMessage = %q, want kind placeholder", c.LastMessage)
	}
	if c.Unread["bob"] != 1 {
		t.Errorf("unread[bob] = %d, want 1", c.Unread["bob"])
	}

	rec, err := ledger.GetUpload(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != store.UploadPending {
		t.Errorf("ledger record = %+v, want pending", rec)
	}
}

func TestPlaceUsesCaptionAsPreview(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	chatID := testChat(t, m, "alice", "bob")

	o := NewOutbound(stream.New(m, "alice", 50, nil), &stubBlobs{}, testLedger(t), nil, nil)
	msgID, err := o.Place(context.Background(), chatID, SendRequest{
		Kind:     chat.KindFile,
		LocalURI: "file:///tmp/report.pdf",
		Caption:  "quarterly report",
	})
	if err != nil {
		t.Fatal(err)
	}

	if c := getChat(t, m, chatID); c.LastMessage != "quarterly report" {
		t.Errorf("lastMessage = %q, want the caption", c.LastMessage)
	}
	if msg := getMessage(t, m, chatID, msgID); msg.Text != "quarterly report" {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestUploadPatchesToSentWithCorrectedMetadata(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()
	chatID := testChat(t, m, "alice", "bob")

	blobs := &stubBlobs{Info: remote.BlobInfo{
		URL: "mem://blobs/abc.png", Mime: "image/png", Size: 2048, Width: 64, Height: 48,
	}}
	o := NewOutbound(stream.New(m, "alice", 50, nil), blobs, testLedger(t), nil, nil)

	msgID, err := o.Place(ctx, chatID, SendRequest{
		Kind:     chat.KindImage,
		LocalURI: "file:///tmp/pic.png",
		Size:     9999, // client lied; the store corrects it
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Upload(ctx, msgID); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	msg := getMessage(t, m, chatID, msgID)
	if msg.Status != chat.StatusSent {
		t.Errorf("status = %q, want sent", msg.Status)
	}
	if msg.URL != "mem://blobs/abc.png" {
		t.Errorf("url = %q, want remote reference", msg.URL)
	}
	if msg.Size != 2048 || msg.Width != 64 || msg.Height != 48 {
		t.Errorf("metadata = size %d %dx%d, want store-corrected values", msg.Size, msg.Width, msg.Height)
	}
}

func TestUploadFailureLeavesPendingAndRetries(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()
	chatID := testChat(t, m, "alice", "bob")
	ledger := testLedger(t)

	blobs := &stubBlobs{Failures: 1, Info: remote.BlobInfo{URL: "mem://blobs/a.ogg", Mime: "audio/ogg", Size: 7}}
	o := NewOutbound(stream.New(m, "alice", 50, nil), blobs, ledger, nil, nil)

	msgID, err := o.Place(ctx, chatID, SendRequest{Kind: chat.KindAudio, LocalURI: "file:///tmp/a.ogg"})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Upload(ctx, msgID); err == nil {
		t.Fatal("first Upload() should fail")
	}

	// Exactly one message exists, still pending, never dropped.
	msg := getMessage(t, m, chatID, msgID)
	if msg.Status != chat.StatusPending {
		t.Errorf("status after failure = %q, want pending", msg.Status)
	}
	rec, _ := ledger.GetUpload(msgID)
	if rec.Status != store.UploadFailed {
		t.Errorf("ledger status = %q, want failed", rec.Status)
	}

	// Retry is the same call keyed by message id.
	if err := o.Upload(ctx, msgID); err != nil {
		t.Fatalf("retry Upload() error = %v", err)
	}
	msg = getMessage(t, m, chatID, msgID)
	if msg.Status != chat.StatusSent || msg.URL != "mem://blobs/a.ogg" {
		t.Errorf("after retry = %q/%q, want sent with remote url", msg.Status, msg.URL)
	}
	rec, _ = ledger.GetUpload(msgID)
	if rec.Status != store.UploadSent {
		t.Errorf("ledger status = %q, want sent", rec.Status)
	}
}

func TestUploadUnknownMessage(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()

	o := NewOutbound(stream.New(m, "alice", 50, nil), &stubBlobs{}, testLedger(t), nil, nil)
	if err := o.Upload(context.Background(), "never-placed"); err == nil {
		t.Error("Upload() of an unrecorded id should fail")
	}
}

func TestConcurrentPlacesAreIndependent(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()
	chatID := testChat(t, m, "alice", "bob")

	o := NewOutbound(stream.New(m, "alice", 50, nil), &stubBlobs{Info: remote.BlobInfo{URL: "mem://blobs/x", Mime: "image/png"}}, testLedger(t), nil, nil)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.Place(ctx, chatID, SendRequest{Kind: chat.KindImage, LocalURI: "file:///tmp/p.png"})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("ids = %v, want distinct non-empty", ids)
		}
		seen[id] = true
	}
	if c := getChat(t, m, chatID); c.Unread["bob"] != 4 {
		t.Errorf("unread[bob] = %d, want 4", c.Unread["bob"])
	}
}
