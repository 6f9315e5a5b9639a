package store

import "database/sql"

// GetAvatar returns the cached avatar entry for an owner, or nil.
func (db *DB) GetAvatar(ownerID string) (*AvatarEntry, error) {
	var e AvatarEntry
	err := db.QueryRow(`
		SELECT owner_id, remote_url, local_path, updated_at FROM avatars WHERE owner_id = ?`,
		ownerID).Scan(&e.OwnerID, &e.RemoteURL, &e.LocalPath, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutAvatar atomically replaces the cache entry for an owner.
func (db *DB) PutAvatar(e *AvatarEntry) error {
	_, err := db.Exec(`
		INSERT INTO avatars (owner_id, remote_url, local_path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			remote_url = excluded.remote_url,
			local_path = excluded.local_path,
			updated_at = excluded.updated_at`,
		e.OwnerID, e.RemoteURL, e.LocalPath, e.UpdatedAt)
	return err
}

// ListAvatars returns all cache entries.
func (db *DB) ListAvatars() ([]AvatarEntry, error) {
	rows, err := db.Query(`SELECT owner_id, remote_url, local_path, updated_at FROM avatars`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AvatarEntry
	for rows.Next() {
		var e AvatarEntry
		if err := rows.Scan(&e.OwnerID, &e.RemoteURL, &e.LocalPath, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
