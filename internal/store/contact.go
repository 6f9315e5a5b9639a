package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertContactSQL = `
	INSERT INTO contacts (name, phone_no, phone_key, description, photo, is_registered, firebase_uid, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(phone_key) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		phone_no = excluded.phone_no,
		description = excluded.description,
		photo = CASE WHEN excluded.photo != '' THEN excluded.photo ELSE contacts.photo END,
		is_registered = MAX(contacts.is_registered, excluded.is_registered),
		firebase_uid = CASE WHEN excluded.firebase_uid != '' THEN excluded.firebase_uid ELSE contacts.firebase_uid END,
		updated_at = excluded.updated_at`

// UpsertContact inserts or updates a contact keyed by its normalized
// phone key. Registration state only ratchets up; a phone-book refresh
// never clears a previously discovered registration.
func (db *DB) UpsertContact(c *Contact) error {
	if c.PhoneKey == "" {
		return fmt.Errorf("upsert contact: empty phone key")
	}
	_, err := db.Exec(upsertContactSQL,
		c.Name, c.PhoneNo, c.PhoneKey, c.Description, c.Photo, c.IsRegistered, c.FirebaseUID,
		time.Now().UnixMilli())
	return err
}

// BulkUpsertContacts inserts or updates contacts in a single
// transaction. An empty slice is a no-op.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if c.PhoneKey == "" {
			return fmt.Errorf("upsert contact %q: empty phone key", c.PhoneNo)
		}
		if _, err := tx.Exec(upsertContactSQL,
			c.Name, c.PhoneNo, c.PhoneKey, c.Description, c.Photo, c.IsRegistered, c.FirebaseUID, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.PhoneKey, err)
		}
	}
	return tx.Commit()
}

// DeleteContacts removes contacts by phone key in a single
// transaction. An empty slice is a no-op.
func (db *DB) DeleteContacts(phoneKeys []string) error {
	if len(phoneKeys) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range phoneKeys {
		if _, err := tx.Exec(`DELETE FROM contacts WHERE phone_key = ?`, key); err != nil {
			return fmt.Errorf("delete contact %q: %w", key, err)
		}
	}
	return tx.Commit()
}

const contactColumns = `id, name, phone_no, phone_key, description, photo, is_registered, firebase_uid`

// GetContact returns a contact by normalized phone key, or nil.
func (db *DB) GetContact(phoneKey string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE phone_key = ?`, phoneKey).
		Scan(&c.ID, &c.Name, &c.PhoneNo, &c.PhoneKey, &c.Description, &c.Photo, &c.IsRegistered, &c.FirebaseUID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all contacts ordered by name.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY name ASC, phone_key ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.PhoneNo, &c.PhoneKey, &c.Description, &c.Photo, &c.IsRegistered, &c.FirebaseUID); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// MarkRegistered flags a contact as a registered user with its backend uid.
func (db *DB) MarkRegistered(phoneKey, firebaseUID string) error {
	_, err := db.Exec(`
		UPDATE contacts SET is_registered = 1, firebase_uid = ?, updated_at = ? WHERE phone_key = ?`,
		firebaseUID, time.Now().UnixMilli(), phoneKey)
	return err
}

// ContactCount returns the total number of contacts.
func (db *DB) ContactCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&count)
	return count, err
}
