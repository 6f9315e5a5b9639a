package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnsureConversationState creates the per-user state row for a
// conversation if it does not exist yet.
func (db *DB) EnsureConversationState(conversationID, userID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT OR IGNORE INTO conversation_state (conversation_id, user_id, joined_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, userID, now, now)
	return err
}

// MarkRead advances the last-read marker. last_read_at and
// last_read_seq are monotonically non-decreasing: a stale marker from
// an out-of-order caller never moves them backward.
func (db *DB) MarkRead(conversationID, userID string, lastReadAt, lastReadSeq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, last_read_at, last_read_seq, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			last_read_at = MAX(conversation_state.last_read_at, excluded.last_read_at),
			last_read_seq = MAX(conversation_state.last_read_seq, excluded.last_read_seq),
			updated_at = excluded.updated_at`,
		conversationID, userID, lastReadAt, lastReadSeq, now, now)
	return err
}

// SetPinned pins or unpins a conversation.
func (db *DB) SetPinned(conversationID, userID string, pinned bool) error {
	now := time.Now().UnixMilli()
	pinnedAt := int64(0)
	if pinned {
		pinnedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, is_pinned, pinned_at, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			is_pinned = excluded.is_pinned,
			pinned_at = excluded.pinned_at,
			updated_at = excluded.updated_at`,
		conversationID, userID, pinned, pinnedAt, now, now)
	return err
}

// SetArchived archives or unarchives a conversation.
func (db *DB) SetArchived(conversationID, userID string, archived bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, archived, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		conversationID, userID, archived, now, now)
	return err
}

// SetMuteUntil mutes a conversation until the given epoch millis (zero
// unmutes).
func (db *DB) SetMuteUntil(conversationID, userID string, muteUntil int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversation_state (conversation_id, user_id, mute_until, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			mute_until = excluded.mute_until,
			updated_at = excluded.updated_at`,
		conversationID, userID, muteUntil, now, now)
	return err
}

// SetReadReceiptsHidden toggles the hide-read-receipts preference in
// the settings blob. Read-modify-write inside one transaction.
func (db *DB) SetReadReceiptsHidden(conversationID, userID string, hidden bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO conversation_state (conversation_id, user_id, joined_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, userID, now, now); err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRow(`
		SELECT settings FROM conversation_state WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&raw); err != nil {
		return err
	}
	settings := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	settings["hide_read_receipts"] = hidden
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversation_state SET settings = ?, updated_at = ? WHERE conversation_id = ? AND user_id = ?`,
		string(b), now, conversationID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteConversationState removes the state row for a conversation.
func (db *DB) DeleteConversationState(conversationID, userID string) error {
	_, err := db.Exec(`
		DELETE FROM conversation_state WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

// GetConversationState returns the state row for a conversation/user
// pair, or nil when none exists.
func (db *DB) GetConversationState(conversationID, userID string) (*ConversationState, error) {
	var s ConversationState
	err := db.QueryRow(`
		SELECT conversation_id, user_id, role, joined_at, left_at, last_read_at, last_read_seq,
			mute_until, archived, is_pinned, pinned_at, settings
		FROM conversation_state WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).
		Scan(&s.ConversationID, &s.UserID, &s.Role, &s.JoinedAt, &s.LeftAt, &s.LastReadAt, &s.LastReadSeq,
			&s.MuteUntil, &s.Archived, &s.IsPinned, &s.PinnedAt, &s.Settings)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
