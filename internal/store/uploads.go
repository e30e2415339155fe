package store

import (
	"database/sql"
	"errors"
	"time"
)

// RecordUpload adds an outbound attachment to the upload ledger right after
// its placeholder message is written.
func (db *DB) RecordUpload(msgID, chatID, localURI, kind string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO uploads (msg_id, chat_id, local_uri, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msgID, chatID, localURI, kind, UploadPending, now, now)
	return err
}

// MarkUploadSent updates an upload to 'sent' with the durable blob URL.
func (db *DB) MarkUploadSent(msgID, blobURL string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE uploads SET status = ?, blob_url = ?, error_message = '', updated_at = ? WHERE msg_id = ?`,
		UploadSent, blobURL, now, msgID)
	return err
}

// MarkUploadFailed updates an upload to 'failed' with an error message. The
// record stays eligible for retry.
func (db *DB) MarkUploadFailed(msgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE uploads SET status = ?, error_message = ?, updated_at = ? WHERE msg_id = ?`,
		UploadFailed, errMsg, now, msgID)
	return err
}

// GetUpload returns the upload record for a message, or nil when none exists.
func (db *DB) GetUpload(msgID string) (*UploadRecord, error) {
	var u UploadRecord
	err := db.QueryRow(`
		SELECT msg_id, chat_id, local_uri, kind, status, blob_url, error_message, created_at, updated_at
		FROM uploads WHERE msg_id = ?`, msgID).
		Scan(&u.MsgID, &u.ChatID, &u.LocalURI, &u.Kind, &u.Status, &u.BlobURL, &u.ErrorMessage, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UnfinishedUploads returns uploads that never reached 'sent', oldest first.
// Pending entries are included because the process may have died mid-upload.
func (db *DB) UnfinishedUploads() ([]UploadRecord, error) {
	rows, err := db.Query(`
		SELECT msg_id, chat_id, local_uri, kind, status, blob_url, error_message, created_at, updated_at
		FROM uploads WHERE status != ? ORDER BY created_at ASC`, UploadSent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []UploadRecord
	for rows.Next() {
		var u UploadRecord
		if err := rows.Scan(&u.MsgID, &u.ChatID, &u.LocalURI, &u.Kind, &u.Status, &u.BlobURL, &u.ErrorMessage, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, u)
	}
	return records, rows.Err()
}
