package media

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/stream"
)

// SendRequest describes an outgoing attachment. Mime, Size, Width, Height
// and DurationMs are client-reported hints; the blob store corrects them on
// upload completion.
type SendRequest struct {
	Kind       chat.Kind
	LocalURI   string
	Caption    string
	Thumb      string
	Mime       string
	Name       string
	Size       int64
	Width      int
	Height     int
	DurationMs int64
}

// Outbound runs the attachment send pipeline: a transactional pending
// placeholder first, the slow blob upload outside any transaction, then a
// merge patch flipping the message to sent. Pipelines for distinct messages
// are independent and never serialized against each other.
type Outbound struct {
	stream *stream.Store
	blobs  remote.Blobs
	ledger *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewOutbound creates the pipeline. ledger must be migrated; it keys Upload
// retries across restarts.
func NewOutbound(s *stream.Store, blobs remote.Blobs, ledger *store.DB, b *bus.Bus, logger *zap.Logger) *Outbound {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbound{stream: s, blobs: blobs, ledger: ledger, bus: b, logger: logger}
}

// Place writes the pending message with the local URI as its url, updates
// the chat's last-message and unread bookkeeping, and records the upload in
// the ledger. The sender's own UI can render the attachment immediately from
// the local URI. If the write fails, no message exists at all.
func (o *Outbound) Place(ctx context.Context, chatID string, req SendRequest) (string, error) {
	preview := req.Caption
	if preview == "" {
		preview = req.Kind.Placeholder()
	}
	fields := remote.Doc{
		"type":   string(req.Kind),
		"url":    req.LocalURI,
		"status": string(chat.StatusPending),
		"text":   req.Caption,
		"mime":   req.Mime,
		"name":   req.Name,
		"size":   req.Size,
	}
	if req.Width > 0 {
		fields["width"] = req.Width
		fields["height"] = req.Height
	}
	if req.DurationMs > 0 {
		fields["durationMs"] = req.DurationMs
	}
	if req.Thumb != "" {
		fields["thumb"] = req.Thumb
	}

	msgID, err := o.stream.Append(ctx, chatID, fields, preview)
	if err != nil {
		return "", err
	}
	if err := o.ledger.RecordUpload(msgID, chatID, req.LocalURI, string(req.Kind)); err != nil {
		// The remote placeholder exists; losing the ledger row only costs
		// restart-time retry.
		o.logger.Warn("failed to record upload", zap.Error(err), zap.String("msg_id", msgID))
	}
	o.logger.Info("placed pending attachment",
		zap.String("chat_id", chatID),
		zap.String("msg_id", msgID),
		zap.String("kind", string(req.Kind)))
	return msgID, nil
}

// Upload pushes the recorded local file to the blob store and patches the
// message to sent with the remote URL and store-corrected metadata. On
// failure the message stays pending and the ledger row turns failed; calling
// Upload again with the same id is the retry path.
func (o *Outbound) Upload(ctx context.Context, msgID string) error {
	rec, err := o.ledger.GetUpload(msgID)
	if err != nil {
		return fmt.Errorf("load upload record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no upload recorded for message %s", msgID)
	}

	info, err := o.blobs.Upload(ctx, rec.LocalURI)
	if err != nil {
		if lerr := o.ledger.MarkUploadFailed(msgID, err.Error()); lerr != nil {
			o.logger.Warn("failed to mark upload failed", zap.Error(lerr), zap.String("msg_id", msgID))
		}
		if o.bus != nil {
			o.bus.Publish(bus.Event{Kind: bus.KindMediaUploadFailed, ChatID: rec.ChatID, MessageID: msgID, Payload: err.Error()})
		}
		return fmt.Errorf("upload blob: %w", err)
	}

	patch := remote.Doc{
		"url":    info.URL,
		"mime":   info.Mime,
		"size":   info.Size,
		"status": string(chat.StatusSent),
	}
	if info.Width > 0 {
		patch["width"] = info.Width
		patch["height"] = info.Height
	}
	if err := o.stream.Patch(ctx, rec.ChatID, msgID, patch); err != nil {
		if lerr := o.ledger.MarkUploadFailed(msgID, err.Error()); lerr != nil {
			o.logger.Warn("failed to mark upload failed", zap.Error(lerr), zap.String("msg_id", msgID))
		}
		if o.bus != nil {
			o.bus.Publish(bus.Event{Kind: bus.KindMediaUploadFailed, ChatID: rec.ChatID, MessageID: msgID, Payload: err.Error()})
		}
		return fmt.Errorf("patch message sent: %w", err)
	}

	if err := o.ledger.MarkUploadSent(msgID, info.URL); err != nil {
		o.logger.Warn("failed to mark upload sent", zap.Error(err), zap.String("msg_id", msgID))
	}
	if o.bus != nil {
		o.bus.Publish(bus.Event{Kind: bus.KindMediaUploaded, ChatID: rec.ChatID, MessageID: msgID, Payload: info.URL})
	}
	o.logger.Info("attachment uploaded",
		zap.String("chat_id", rec.ChatID),
		zap.String("msg_id", msgID),
		zap.String("url", info.URL))
	return nil
}

// ResumeUnfinished retries every recorded upload that never reached sent,
// oldest first. Called once at startup; a process that died mid-upload left
// its message pending and its ledger row behind.
func (o *Outbound) ResumeUnfinished(ctx context.Context) error {
	records, err := o.ledger.UnfinishedUploads()
	if err != nil {
		return fmt.Errorf("list unfinished uploads: %w", err)
	}
	for _, rec := range records {
		if err := o.Upload(ctx, rec.MsgID); err != nil {
			o.logger.Warn("resumed upload failed", zap.Error(err), zap.String("msg_id", rec.MsgID))
		}
	}
	return nil
}

// Send runs Place synchronously and the upload in the background, returning
// as soon as the placeholder is observable.
func (o *Outbound) Send(ctx context.Context, chatID string, req SendRequest) (string, error) {
	msgID, err := o.Place(ctx, chatID, req)
	if err != nil {
		return "", err
	}
	go func() {
		if err := o.Upload(context.Background(), msgID); err != nil {
			o.logger.Error("background upload failed", zap.Error(err), zap.String("msg_id", msgID))
		}
	}()
	return msgID, nil
}
