// couriersim drives the full engine against the in-memory remote store:
// two accounts on one process exchange text and attachments while every
// observable transition is printed. Useful for eyeballing behavior without
// a real backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/fx"

	"github.com/courierchat/courier/internal/app"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/media"
	"github.com/courierchat/courier/internal/remote"
	intsync "github.com/courierchat/courier/internal/sync"
)

// tinyPNG is a valid 1x1 image, enough for the blob store to sniff a real
// content type and dimensions.
var tinyPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x44, 0x41, 0x54,
	0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00, 0x05,
	0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4,
	0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44,
	0xAE, 0x42, 0x60, 0x82,
}

func main() {
	account := flag.String("account", "alice", "first account id")
	peer := flag.String("peer", "bob", "second account id")
	flag.Parse()

	for _, id := range []string{*account, *peer} {
		if err := config.ValidateAccount(id); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	mem := remote.NewMemory()
	defer mem.Close()
	blobs := remote.NewMemoryBlobs()

	alice, stopAlice := startEngine(*account, mem, blobs)
	defer stopAlice()
	bob, stopBob := startEngine(*peer, mem, blobs)
	defer stopBob()

	if err := run(alice, bob, *account, *peer); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("scenario complete")
}

func startEngine(account string, mem remote.Store, blobs remote.Blobs) (*intsync.Engine, func()) {
	var engine *intsync.Engine
	fxapp := fx.New(
		app.Module(app.Params{Account: account, Remote: mem, Blobs: blobs}),
		fx.Populate(&engine),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxapp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: start %s: %v\n", account, err)
		os.Exit(1)
	}
	fmt.Printf("engine up: %s\n", account)

	return engine, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = fxapp.Stop(stopCtx)
	}
}

func run(alice, bob *intsync.Engine, aliceID, bobID string) error {
	ctx := context.Background()

	fmt.Println("-- self-chat identity")
	selfA, err := alice.ResolveChat(ctx, "me")
	if err != nil {
		return err
	}
	selfB, err := alice.ResolveChat(ctx, "self")
	if err != nil {
		return err
	}
	selfC, err := alice.ResolveChat(ctx, aliceID)
	if err != nil {
		return err
	}
	if selfA != selfB || selfB != selfC {
		return fmt.Errorf("self-chat not canonical: %s %s %s", selfA, selfB, selfC)
	}
	fmt.Printf("   me/self/%s all resolve to %s\n", aliceID, selfA)

	fmt.Println("-- open sessions")
	sessA, err := alice.Open(ctx, bobID)
	if err != nil {
		return err
	}
	sessB, err := bob.Open(ctx, aliceID)
	if err != nil {
		return err
	}
	fmt.Printf("   shared chat %s\n", sessA.ChatID)

	fmt.Println("-- text message")
	if err := alice.SetTyping(ctx, sessA.ChatID, true); err != nil {
		return err
	}
	msgID, err := alice.SendText(ctx, sessA.ChatID, "hello from "+aliceID)
	if err != nil {
		return err
	}
	if err := alice.SetTyping(ctx, sessA.ChatID, false); err != nil {
		return err
	}
	if _, err := waitView(sessB, func(v intsync.View) bool {
		return len(v.Messages) > 0 && v.Messages[0].ID == msgID
	}); err != nil {
		return fmt.Errorf("waiting for %s to see the message: %w", bobID, err)
	}
	fmt.Printf("   %s received %s\n", bobID, msgID)

	v, err := waitView(sessA, func(v intsync.View) bool {
		return len(v.Messages) > 0 && v.Messages[0].Status == chat.StatusDelivered
	})
	if err != nil {
		return fmt.Errorf("waiting for delivered: %w", err)
	}
	fmt.Printf("   status=%s deliveredTo=%v\n", v.Messages[0].Status, v.Messages[0].DeliveredTo)

	if err := bob.MarkRead(ctx, sessB.ChatID); err != nil {
		return err
	}
	v, err = waitView(sessA, func(v intsync.View) bool {
		return len(v.Messages) > 0 && v.Messages[0].Status == chat.StatusRead
	})
	if err != nil {
		return fmt.Errorf("waiting for read: %w", err)
	}
	fmt.Printf("   status=%s seenBy=%v\n", v.Messages[0].Status, v.Messages[0].SeenBy)

	fmt.Println("-- presence")
	v, err = waitView(sessA, func(v intsync.View) bool { return v.PresenceText == "Online" })
	if err != nil {
		return fmt.Errorf("waiting for presence: %w", err)
	}
	fmt.Printf("   %s: %s\n", bobID, v.PresenceText)

	fmt.Println("-- image attachment")
	picPath := filepath.Join(os.TempDir(), "couriersim.png")
	if err := os.WriteFile(picPath, tinyPNG, 0o600); err != nil {
		return err
	}
	imgID, err := alice.SendMedia(ctx, sessA.ChatID, media.SendRequest{
		Kind:     chat.KindImage,
		LocalURI: "file://" + picPath,
		Name:     "couriersim.png",
	})
	if err != nil {
		return err
	}
	v, err = waitView(sessB, func(v intsync.View) bool {
		// The receiver advances sent to delivered immediately, so accept
		// anything at or past sent.
		return len(v.Messages) > 0 && v.Messages[0].ID == imgID &&
			v.Messages[0].Status.Rank() >= chat.StatusSent.Rank()
	})
	if err != nil {
		return fmt.Errorf("waiting for image upload: %w", err)
	}
	fmt.Printf("   uploaded as %s (%s %dx%d), preview=%s\n",
		v.Messages[0].URL, v.Messages[0].Mime, v.Messages[0].Width, v.Messages[0].Height, v.Messages[0].RemoteURL)

	fmt.Println("-- audio attachment (pre-fetched by the receiver)")
	audioPath := filepath.Join(os.TempDir(), "couriersim.bin")
	if err := os.WriteFile(audioPath, []byte("not really audio"), 0o600); err != nil {
		return err
	}
	audioID, err := alice.SendMedia(ctx, sessA.ChatID, media.SendRequest{
		Kind:     chat.KindAudio,
		LocalURI: "file://" + audioPath,
		Name:     "note.ogg",
	})
	if err != nil {
		return err
	}
	v, err = waitView(sessB, func(v intsync.View) bool {
		return len(v.Messages) > 0 && v.Messages[0].ID == audioID && v.Messages[0].DownloadStatus == chat.DownloadDone
	})
	if err != nil {
		return fmt.Errorf("waiting for audio download: %w", err)
	}
	fmt.Printf("   cached at %s\n", v.Messages[0].LocalPath)

	sessA.Close()
	sessB.Close()
	return nil
}

// waitView drains a session's channel until pred holds.
func waitView(sess *intsync.Session, pred func(intsync.View) bool) (intsync.View, error) {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case v := <-sess.Views():
			if pred(v) {
				return v, nil
			}
		case <-deadline:
			return intsync.View{}, fmt.Errorf("timed out")
		}
	}
}
