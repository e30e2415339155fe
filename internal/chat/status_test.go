package chat

import (
	"testing"

	"github.com/courierchat/courier/internal/remote"
)

func snapshotWith(d map[string]any) remote.Snapshot {
	return remote.Snapshot{ID: "m1", Path: "chats/c1/messages/m1", Data: remote.Doc(d)}
}

func TestDeliveryStatusOrder(t *testing.T) {
	order := []DeliveryStatus{StatusPending, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		if !order[i-1].CanAdvance(order[i]) {
			t.Errorf("%s should advance to %s", order[i-1], order[i])
		}
		if order[i].CanAdvance(order[i-1]) {
			t.Errorf("%s must never move back to %s", order[i], order[i-1])
		}
	}
	if StatusSent.CanAdvance(StatusSent) {
		t.Error("re-applying the same status is not an advance")
	}
}

func TestDeliveryStatusMergeNeverRegresses(t *testing.T) {
	if got := StatusRead.Merge(StatusSent); got != StatusRead {
		t.Errorf("Merge(read, sent) = %s, want read", got)
	}
	if got := StatusSent.Merge(StatusDelivered); got != StatusDelivered {
		t.Errorf("Merge(sent, delivered) = %s, want delivered", got)
	}
	if got := DeliveryStatus("bogus").Merge(StatusPending); got != StatusPending {
		t.Errorf("Merge(bogus, pending) = %s, want pending", got)
	}
}

func TestKindPlaceholder(t *testing.T) {
	cases := map[Kind]string{
		KindImage: "[Photo]",
		KindVideo: "[Video]",
		KindAudio: "[Audio]",
		KindFile:  "[File]",
		KindText:  "",
	}
	for kind, want := range cases {
		if got := kind.Placeholder(); got != want {
			t.Errorf("Placeholder(%s) = %q, want %q", kind, got, want)
		}
	}
}

func TestMessageFromSnapshotDefaults(t *testing.T) {
	m := MessageFromSnapshot(snapshotWith(map[string]any{
		"senderId":  "alice",
		"text":      "hi",
		"createdAt": int64(42),
		"status":    "sent",
		"seenBy":    []string{"alice"},
	}))
	if m.Kind != KindText {
		t.Errorf("kind = %q, want text default", m.Kind)
	}
	if m.SenderID != "alice" || m.Text != "hi" || m.CreatedAt != 42 {
		t.Errorf("decoded = %+v", m)
	}
	if m.Status != StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}
}
