package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".courier", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "courier.db")) {
		t.Errorf("DBPath(test) = %q, want suffix sessions/test/courier.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestAvatarDir(t *testing.T) {
	got := AvatarDir("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "avatars")) {
		t.Errorf("AvatarDir(test) = %q, want suffix sessions/test/avatars", got)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	p := &Profile{UserID: "user-a", Phone: "+15550100000"}
	if err := SaveProfile("test", p); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadProfile("test")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentUserID() != "user-a" || loaded.CurrentUserPhone() != "+15550100000" {
		t.Errorf("provider = %q / %q", loaded.CurrentUserID(), loaded.CurrentUserPhone())
	}
}

func TestLoadProfileMissingUser(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := SaveProfile("test", &Profile{Phone: "+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile("test"); err == nil {
		t.Error("profile without user id should fail to load")
	}
}
