package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Profile identifies the authenticated user bound to a session. It is
// written at pairing time and read on every daemon start.
type Profile struct {
	UserID string `toml:"user_id"`
	Phone  string `toml:"phone"`
}

// LoadProfile reads the profile of the named session.
func LoadProfile(name string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(ProfilePath(name), &p); err != nil {
		return nil, fmt.Errorf("load profile for session %q: %w", name, err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("profile for session %q has no user id", name)
	}
	return &p, nil
}

// SaveProfile writes the profile of the named session.
func SaveProfile(name string, p *Profile) error {
	path := ProfilePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(p)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// CurrentUserID implements the session provider contract.
func (p *Profile) CurrentUserID() string { return p.UserID }

// CurrentUserPhone implements the session provider contract.
func (p *Profile) CurrentUserPhone() string { return p.Phone }
