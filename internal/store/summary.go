package store

import (
	"fmt"

	"github.com/courier-chat/courier/internal/status"
)

// ListSummaries derives one summary row per conversation: the latest
// message joined with conversation state (pin/mute/archive/last-read)
// and the matching contact (display name/photo). Unread counts messages
// with created_at strictly greater than last_read_at; a missing marker
// counts everything. Pinned conversations sort first, then recency.
// The whole derivation is one query inside one transaction, so callers
// never observe a torn read across the joined tables.
func (db *DB) ListSummaries(userID string, nowMillis int64) ([]ConversationSummary, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT m.conversation_id, m.id, m.sender_id, m.body, m.content_type, m.created_at, m.status,
			COALESCE(cs.is_pinned, 0), COALESCE(cs.archived, 0), COALESCE(cs.mute_until, 0),
			COALESCE(NULLIF(ct.name, ''), m.conversation_id) AS display_name,
			COALESCE(ct.photo, '') AS display_photo,
			(SELECT COUNT(*) FROM messages u
				WHERE u.conversation_id = m.conversation_id
					AND u.created_at > COALESCE(cs.last_read_at, 0)) AS unread_count
		FROM messages m
		LEFT JOIN conversation_state cs
			ON cs.conversation_id = m.conversation_id AND cs.user_id = ?
		LEFT JOIN contacts ct
			ON ct.phone_key = m.conversation_id OR ct.firebase_uid = m.conversation_id
		WHERE m.id = (
			SELECT m2.id FROM messages m2
			WHERE m2.conversation_id = m.conversation_id
			ORDER BY m2.created_at DESC, m2.id DESC
			LIMIT 1)
		ORDER BY COALESCE(cs.is_pinned, 0) DESC, m.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		var st string
		var muteUntil int64
		if err := rows.Scan(&s.ConversationID, &s.LastMessageID, &s.LastSenderID, &s.LastBody,
			&s.LastContentType, &s.LastCreatedAt, &st, &s.IsPinned, &s.IsArchived, &muteUntil,
			&s.DisplayName, &s.DisplayPhoto, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.LastStatus = status.Status(st)
		s.IsMuted = muteUntil > nowMillis
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return summaries, nil
}
