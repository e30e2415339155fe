package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertCacheEntry inserts or refreshes an attachment record. The original
// created_at is preserved on conflict.
func (db *DB) UpsertCacheEntry(e CacheEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO media_cache (chat_id, msg_id, kind, remote_url, local_path, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, msg_id) DO UPDATE SET
			kind = excluded.kind,
			remote_url = excluded.remote_url,
			local_path = excluded.local_path,
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		e.ChatID, e.MsgID, e.Kind, e.RemoteURL, e.LocalPath, e.Status, e.ErrorMessage, now, now)
	return err
}

// GetCacheEntry returns the attachment record for a message, or nil when the
// message was never classified.
func (db *DB) GetCacheEntry(chatID, msgID string) (*CacheEntry, error) {
	var e CacheEntry
	err := db.QueryRow(`
		SELECT chat_id, msg_id, kind, remote_url, local_path, status, error_message, created_at, updated_at
		FROM media_cache WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).
		Scan(&e.ChatID, &e.MsgID, &e.Kind, &e.RemoteURL, &e.LocalPath, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkDownloading moves a record to 'downloading'.
func (db *DB) MarkDownloading(chatID, msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE media_cache SET status = ?, error_message = '', updated_at = ? WHERE chat_id = ? AND msg_id = ?`,
		CacheDownloading, now, chatID, msgID)
	return err
}

// MarkDone records a completed download: the local path is set and the
// remote URL cleared.
func (db *DB) MarkDone(chatID, msgID, localPath string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE media_cache SET status = ?, local_path = ?, remote_url = '', error_message = '', updated_at = ?
		WHERE chat_id = ? AND msg_id = ?`,
		CacheDone, localPath, now, chatID, msgID)
	return err
}

// MarkFailed records a failed download. The remote URL is kept so the
// download can be retried.
func (db *DB) MarkFailed(chatID, msgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE media_cache SET status = ?, error_message = ?, updated_at = ? WHERE chat_id = ? AND msg_id = ?`,
		CacheFailed, errMsg, now, chatID, msgID)
	return err
}

// ChatCacheEntries returns every attachment record of a chat, oldest first.
func (db *DB) ChatCacheEntries(chatID string) ([]CacheEntry, error) {
	rows, err := db.Query(`
		SELECT chat_id, msg_id, kind, remote_url, local_path, status, error_message, created_at, updated_at
		FROM media_cache WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ChatID, &e.MsgID, &e.Kind, &e.RemoteURL, &e.LocalPath, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
