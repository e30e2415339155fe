package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gosync "sync"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/media"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/stream"
)

type fakeBlobs struct {
	mu          gosync.Mutex
	failUploads bool
}

func (f *fakeBlobs) setFail(fail bool) {
	f.mu.Lock()
	f.failUploads = fail
	f.mu.Unlock()
}

func (f *fakeBlobs) Upload(ctx context.Context, localURI string) (remote.BlobInfo, error) {
	f.mu.Lock()
	fail := f.failUploads
	f.mu.Unlock()
	if fail {
		return remote.BlobInfo{}, errors.New("upload refused")
	}
	return remote.BlobInfo{URL: "mem://blobs/fixed.png", Mime: "image/png", Size: 7}, nil
}

func (f *fakeBlobs) Download(ctx context.Context, url, destPath string) error {
	return os.WriteFile(destPath, []byte("payload"), 0o600)
}

func testEngine(t *testing.T, m *remote.Memory, b *fakeBlobs, self string) *Engine {
	t.Helper()
	e, _ := testEngineWithLedger(t, m, b, self)
	return e
}

func testEngineWithLedger(t *testing.T, m *remote.Memory, b *fakeBlobs, self string) (*Engine, *store.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	evbus := bus.New()
	resolver := chat.NewResolver(m, self, evbus, nil)
	str := stream.New(m, self, 50, nil)
	tracker := presence.New(m, self, time.Minute, evbus, nil)
	outbound := media.NewOutbound(str, b, db, evbus, nil)
	cache := media.NewCache(self, filepath.Join(dir, "media"), b, db, evbus, nil)
	t.Cleanup(cache.Close)

	e := NewEngine(self, resolver, str, tracker, outbound, cache, evbus, nil)
	t.Cleanup(e.Close)
	return e, db
}

// waitView drains the session's view channel until pred holds.
func waitView(t *testing.T, sess *Session, pred func(View) bool, what string) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-sess.Views():
			if pred(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		}
	}
}

func TestOpenEmitsMergedView(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	alice := testEngine(t, m, &fakeBlobs{}, "alice")
	bob := testEngine(t, m, &fakeBlobs{}, "bob")

	chatID, err := bob.ResolveChat(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.SendText(ctx, chatID, "hello"); err != nil {
		t.Fatal(err)
	}

	sess, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	v := waitView(t, sess, func(v View) bool { return len(v.Messages) == 1 }, "bob's message")
	if v.Messages[0].Text != "hello" || v.ChatID != chatID {
		t.Errorf("view = %+v", v)
	}

	if err := bob.Heartbeat(ctx, true); err != nil {
		t.Fatal(err)
	}
	v = waitView(t, sess, func(v View) bool { return v.PresenceText == "Online" }, "presence text")
	if len(v.Messages) != 1 {
		t.Errorf("presence update dropped messages: %+v", v)
	}
}

func TestOpenReplacesPriorSession(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	alice := testEngine(t, m, &fakeBlobs{}, "alice")
	bob := testEngine(t, m, &fakeBlobs{}, "bob")

	first, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if first.ChatID != second.ChatID {
		t.Fatalf("sessions resolved different chats: %s vs %s", first.ChatID, second.ChatID)
	}

	select {
	case <-first.done:
	default:
		t.Error("prior session still open after re-open")
	}

	// Only the live session marks delivered; the count stays at one writer.
	chatID, _ := bob.ResolveChat(ctx, "alice")
	msgID, err := bob.SendText(ctx, chatID, "after reopen")
	if err != nil {
		t.Fatal(err)
	}
	waitView(t, second, func(v View) bool {
		return len(v.Messages) > 0 && v.Messages[0].ID == msgID
	}, "message on live session")

	doc, _ := m.Get(ctx, chat.MessagePath(chatID, msgID))
	msg := chat.MessageFromSnapshot(remote.Snapshot{ID: msgID, Data: doc})
	if len(msg.DeliveredTo) != 1 {
		t.Errorf("deliveredTo = %v, want exactly [alice]", msg.DeliveredTo)
	}
}

func TestConcurrentReopenKeepsSingleSession(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	alice := testEngine(t, m, &fakeBlobs{}, "alice")
	bob := testEngine(t, m, &fakeBlobs{}, "bob")

	const openers = 8
	sessions := make([]*Session, openers)
	var wg gosync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := alice.Open(ctx, "bob")
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	alice.mu.Lock()
	live := alice.sessions["bob"]
	alice.mu.Unlock()
	if live == nil {
		t.Fatal("no session registered after concurrent opens")
	}

	closed := 0
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		select {
		case <-sess.done:
			closed++
			if sess == live {
				t.Error("registered session was closed")
			}
		default:
			if sess != live {
				t.Error("displaced session left open")
			}
		}
	}
	if closed != openers-1 {
		t.Errorf("closed sessions = %d, want %d displaced", closed, openers-1)
	}

	// The survivor still works end to end.
	chatID, _ := bob.ResolveChat(ctx, "alice")
	msgID, err := bob.SendText(ctx, chatID, "after the stampede")
	if err != nil {
		t.Fatal(err)
	}
	waitView(t, live, func(v View) bool {
		return len(v.Messages) > 0 && v.Messages[0].ID == msgID
	}, "message on surviving session")
}

func TestViewStatusNeverRegresses(t *testing.T) {
	sess := newSession("c1", "bob")
	defer sess.Close()

	read := chat.Message{ID: "m1", SenderID: "bob", Status: chat.StatusRead}
	sess.setMessages([]chat.Message{read}, []chat.LocalMessageView{{Message: read}})
	<-sess.Views()

	// A stale snapshot racing the read-marking write carries the old status.
	stale := chat.Message{ID: "m1", SenderID: "bob", Status: chat.StatusDelivered}
	sess.setMessages([]chat.Message{stale}, []chat.LocalMessageView{{Message: stale}})
	v := <-sess.Views()
	if got := v.Messages[0].Status; got != chat.StatusRead {
		t.Errorf("status = %q, want read pinned over the stale snapshot", got)
	}
}

func TestSelfChatSkipsPresence(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	alice := testEngine(t, m, &fakeBlobs{}, "alice")
	sess, err := alice.Open(ctx, "me")
	if err != nil {
		t.Fatal(err)
	}
	if sess.PeerID != "alice" {
		t.Errorf("peer = %q, want the caller's own id", sess.PeerID)
	}

	if err := alice.Heartbeat(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(ctx, sess.ChatID, "note"); err != nil {
		t.Fatal(err)
	}
	v := waitView(t, sess, func(v View) bool { return len(v.Messages) == 1 }, "self-chat message")
	if v.PresenceText != "" {
		t.Errorf("presenceText = %q, want empty for self-chat", v.PresenceText)
	}
}

func TestInboundAudioResolvesToLocalPath(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	alice := testEngine(t, m, &fakeBlobs{}, "alice")
	bob := testEngine(t, m, &fakeBlobs{}, "bob")

	chatID, _ := bob.ResolveChat(ctx, "alice")
	bobStream := stream.New(m, "bob", 50, nil)
	msgID, err := bobStream.Append(ctx, chatID, remote.Doc{
		"type":   string(chat.KindAudio),
		"url":    "https://cdn/a.ogg",
		"mime":   "audio/ogg",
		"status": string(chat.StatusSent),
	}, "[Audio]")
	if err != nil {
		t.Fatal(err)
	}

	sess, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	v := waitView(t, sess, func(v View) bool {
		return len(v.Messages) == 1 && v.Messages[0].DownloadStatus == chat.DownloadDone
	}, "audio download")
	got := v.Messages[0]
	if got.ID != msgID || got.LocalPath == "" || got.RemoteURL != "" {
		t.Errorf("resolved view = %+v, want local path with cleared remote", got)
	}
	if _, err := os.Stat(got.LocalPath); err != nil {
		t.Errorf("cached file missing: %v", err)
	}
}

func TestSendMediaRetryFacade(t *testing.T) {
	m := remote.NewMemory()
	defer m.Close()
	ctx := context.Background()

	blobs := &fakeBlobs{failUploads: true}
	alice, ledger := testEngineWithLedger(t, m, blobs, "alice")
	chatID, _ := alice.ResolveChat(ctx, "bob")

	msgID, err := alice.SendMedia(ctx, chatID, media.SendRequest{
		Kind:     chat.KindImage,
		LocalURI: "file:///tmp/p.png",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the background upload to fail, then retry with a healthy
	// blob store.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := ledger.GetUpload(msgID)
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil && rec.Status == store.UploadFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	doc, _ := m.Get(ctx, chat.MessagePath(chatID, msgID))
	msg := chat.MessageFromSnapshot(remote.Snapshot{ID: msgID, Data: doc})
	if msg.Status != chat.StatusPending {
		t.Fatalf("status = %q, want pending after failed upload", msg.Status)
	}

	blobs.setFail(false)
	if err := alice.RetryUpload(ctx, msgID); err != nil {
		t.Fatalf("RetryUpload() error = %v", err)
	}
	doc, _ = m.Get(ctx, chat.MessagePath(chatID, msgID))
	msg = chat.MessageFromSnapshot(remote.Snapshot{ID: msgID, Data: doc})
	if msg.Status != chat.StatusSent || msg.URL != "mem://blobs/fixed.png" {
		t.Errorf("after retry = %q/%q, want sent with remote url", msg.Status, msg.URL)
	}
}
