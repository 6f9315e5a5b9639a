package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/courier-chat/courier/internal/status"
)

func marshalAttachments(atts []Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(b), nil
}

func marshalMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// InsertOutgoing persists an optimistic SENDING row keyed by the
// message's local temp id. The row id equals the local id until the
// server acknowledges the send.
func (db *DB) InsertOutgoing(m *Message) error {
	if m.LocalID == "" {
		return fmt.Errorf("insert outgoing: empty local id")
	}
	atts, err := marshalAttachments(m.Attachments)
	if err != nil {
		return err
	}
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, local_id, conversation_id, sender_id, body, created_at, status, content_type,
			reply_to_id, thread_root_id, attachments, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, m.LocalID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, string(status.Sending),
		m.ContentType, m.ReplyToID, m.ThreadRootID, atts, meta, now)
	if err != nil {
		return fmt.Errorf("insert outgoing: %w", err)
	}
	return nil
}

// ConfirmSent rekeys a pending row from its local temp id to the
// server-assigned id, clears the shadow key and marks the row SENT.
// A single UPDATE, so readers never observe the message missing.
func (db *DB) ConfirmSent(localID, serverID string, ackAt int64) error {
	res, err := db.Exec(`
		UPDATE messages SET id = ?, local_id = NULL, status = ?, server_ack_at = ?, updated_at = ?
		WHERE local_id = ?`,
		serverID, string(status.Sent), ackAt, time.Now().UnixMilli(), localID)
	if err != nil {
		return fmt.Errorf("confirm sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("confirm sent: no pending row for local id %q", localID)
	}
	return nil
}

// MarkSendFailed moves a pending row to ERROR. The row stays
// addressable by its local id for an explicit retry.
func (db *DB) MarkSendFailed(localID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?, updated_at = ? WHERE local_id = ? AND status = ?`,
		string(status.Error), time.Now().UnixMilli(), localID, string(status.Sending))
	if err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	return nil
}

// MarkRetrying re-enters an ERROR row at SENDING for an explicit user
// retry. Reports whether a row actually moved.
func (db *DB) MarkRetrying(localID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, updated_at = ? WHERE local_id = ? AND status = ?`,
		string(status.Sending), time.Now().UnixMilli(), localID, string(status.Error))
	if err != nil {
		return false, fmt.Errorf("mark retrying: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertIncoming inserts or updates a message keyed by its server id
// (idempotent on redelivery).
func (db *DB) UpsertIncoming(m *Message) error {
	atts, err := marshalAttachments(m.Attachments)
	if err != nil {
		return err
	}
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at, status, content_type,
			message_seq, server_ack_at, reply_to_id, thread_root_id, edited_at, deleted_for_all_at,
			attachments, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			message_seq = excluded.message_seq,
			edited_at = excluded.edited_at,
			deleted_for_all_at = excluded.deleted_for_all_at,
			attachments = excluded.attachments,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, string(m.Status), m.ContentType,
		m.MessageSeq, m.ServerAckAt, m.ReplyToID, m.ThreadRootID, m.EditedAt, m.DeletedForAllAt,
		atts, meta, now)
	if err != nil {
		return fmt.Errorf("upsert incoming: %w", err)
	}
	return nil
}

// AdvanceStatus moves a message's status forward along the delivery
// chain. Applying the same or an earlier status changes nothing; the
// guard lives in the WHERE clause so concurrent duplicate deliveries
// cannot regress a row. Reports whether the row advanced.
func (db *DB) AdvanceStatus(messageID string, to status.Status) (bool, error) {
	earlier := status.Earlier(to)
	if len(earlier) == 0 {
		return false, fmt.Errorf("advance status: %q is not an advancing status", to)
	}
	placeholders := strings.Repeat("?,", len(earlier))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(earlier)+3)
	args = append(args, string(to), time.Now().UnixMilli(), messageID)
	for _, s := range earlier {
		args = append(args, string(s))
	}
	res, err := db.Exec(`
		UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var localID sql.NullString
	var st, atts, meta string
	err := scan(&m.ID, &localID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &st,
		&m.ContentType, &m.MessageSeq, &m.ServerAckAt, &m.ReplyToID, &m.ThreadRootID,
		&m.EditedAt, &m.DeletedForAllAt, &atts, &meta)
	if err != nil {
		return nil, err
	}
	m.LocalID = localID.String
	m.Status = status.Status(st)
	if atts != "" && atts != "[]" {
		if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

const messageColumns = `id, local_id, conversation_id, sender_id, body, created_at, status, content_type,
	message_seq, server_ack_at, reply_to_id, thread_root_id, edited_at, deleted_for_all_at, attachments, metadata`

// GetMessage returns a message matched by either its server id or its
// local temp id. Returns nil when not found.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ? OR local_id = ?`, id, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListConversation returns messages for a conversation ascending by
// created_at using keyset pagination.
func (db *DB) ListConversation(conversationID string, afterTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, conversationID, afterTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LatestTimestamp returns the newest created_at in a conversation, or
// zero when the conversation has no messages.
func (db *DB) LatestTimestamp(conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// LatestIncoming returns the newest message in a conversation not sent
// by selfID, or nil when there is none.
func (db *DB) LatestIncoming(conversationID, selfID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, conversationID, selfID)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage removes a row matched by either server id or local
// temp id. Local-only; never touches the remote queue.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ? OR local_id = ?`, id, id)
	return err
}

// PurgeConversation deletes every message in a conversation.
func (db *DB) PurgeConversation(conversationID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

// ReconcileSnapshot merges a stated-complete remote snapshot of one
// conversation into the store: remote rows are upserted and local rows
// absent from the snapshot and older than cutoff are removed
// (tombstone-by-absence). Rows still keyed by a local temp id are never
// removed; they have not been acknowledged, so the snapshot cannot
// speak for them. Runs in one transaction.
func (db *DB) ReconcileSnapshot(conversationID string, remote []*Message, cutoff int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	ids := make([]string, 0, len(remote))
	for _, m := range remote {
		atts, err := marshalAttachments(m.Attachments)
		if err != nil {
			return err
		}
		meta, err := marshalMetadata(m.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, body, created_at, status, content_type,
				message_seq, server_ack_at, reply_to_id, thread_root_id, edited_at, deleted_for_all_at,
				attachments, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				body = excluded.body,
				message_seq = excluded.message_seq,
				edited_at = excluded.edited_at,
				deleted_for_all_at = excluded.deleted_for_all_at,
				attachments = excluded.attachments,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			m.ID, conversationID, m.SenderID, m.Body, m.CreatedAt, string(m.Status), m.ContentType,
			m.MessageSeq, m.ServerAckAt, m.ReplyToID, m.ThreadRootID, m.EditedAt, m.DeletedForAllAt,
			atts, meta, now); err != nil {
			return fmt.Errorf("upsert snapshot message %q: %w", m.ID, err)
		}
		ids = append(ids, m.ID)
	}

	query := `DELETE FROM messages WHERE conversation_id = ? AND created_at < ? AND local_id IS NULL`
	args := []any{conversationID, cutoff}
	if len(ids) > 0 {
		placeholders := strings.Repeat("?,", len(ids))
		query += ` AND id NOT IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("delete absent messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
