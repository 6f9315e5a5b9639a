package store

import "time"

// RecordAction appends an action id to the idempotency ledger. The
// primary key on action_id makes concurrent duplicate processing safe:
// exactly one caller observes recorded=true and applies the effect.
func (db *DB) RecordAction(actionID, conversationID string) (bool, error) {
	res, err := db.Exec(`
		INSERT OR IGNORE INTO processed_actions (action_id, conversation_id, applied_at)
		VALUES (?, ?, ?)`,
		actionID, conversationID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasAction reports whether an action id is already in the ledger.
func (db *DB) HasAction(actionID string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM processed_actions WHERE action_id = ?`, actionID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
