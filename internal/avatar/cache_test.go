package avatar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/store"
)

type mockDownloader struct {
	mu    sync.Mutex
	data  map[string][]byte // url -> bytes
	err   error
	calls int
}

func (m *mockDownloader) DownloadBytes(_ context.Context, remoteURL string, _ int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.data[remoteURL]
	if !ok {
		return nil, fmt.Errorf("not found: %s", remoteURL)
	}
	return data, nil
}

func (m *mockDownloader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCache(t *testing.T, dl *mockDownloader) (*Cache, *store.DB) {
	t.Helper()
	db := testDB(t)
	c, err := NewCache(db, dl, bus.New(), nil, filepath.Join(t.TempDir(), "avatars"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return c, db
}

func TestGetNeverBlocksOnNetwork(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{}}
	c, _ := testCache(t, dl)

	if err := c.Track("user-b", "https://cdn.example/b.png"); err != nil {
		t.Fatal(err)
	}

	// Tracked but never fetched: Get returns nil without a download.
	got, err := c.Get("user-b")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("tracked entry missing")
	}
	if got.LocalPath != "" {
		t.Errorf("local path = %q before first refresh, want empty", got.LocalPath)
	}
	if dl.callCount() != 0 {
		t.Errorf("Get triggered %d downloads, want 0", dl.callCount())
	}
}

func TestRefreshInstallsImage(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{
		"https://cdn.example/b.png": []byte("imagebytes"),
	}}
	c, _ := testCache(t, dl)

	if err := c.Track("user-b", "https://cdn.example/b.png"); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(context.Background(), "user-b"); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Get("user-b")
	if got == nil || got.LocalPath == "" || got.UpdatedAt == 0 {
		t.Fatalf("entry = %+v, want installed image", got)
	}
	data, err := os.ReadFile(got.LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "imagebytes" {
		t.Errorf("file content = %q", data)
	}
}

// TestFailedRefreshKeepsStaleEntry: a fetch failure must leave the
// previous image readable, never evict it.
func TestFailedRefreshKeepsStaleEntry(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{
		"https://cdn.example/b.png": []byte("v1"),
	}}
	c, _ := testCache(t, dl)

	if err := c.Track("user-b", "https://cdn.example/b.png"); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(context.Background(), "user-b"); err != nil {
		t.Fatal(err)
	}
	before, _ := c.Get("user-b")

	dl.mu.Lock()
	dl.err = fmt.Errorf("cdn down")
	dl.mu.Unlock()

	if err := c.Refresh(context.Background(), "user-b"); err == nil {
		t.Fatal("want refresh error")
	}
	after, _ := c.Get("user-b")
	if after == nil || after.LocalPath != before.LocalPath || after.UpdatedAt != before.UpdatedAt {
		t.Fatalf("entry changed on failure: before %+v after %+v", before, after)
	}
	data, err := os.ReadFile(after.LocalPath)
	if err != nil || string(data) != "v1" {
		t.Errorf("stale image unreadable: %q, %v", data, err)
	}
}

func TestSweepRefetchesOnlyStaleEntries(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{
		"https://cdn.example/a.png": []byte("a"),
		"https://cdn.example/b.png": []byte("b"),
	}}
	c, db := testCache(t, dl)

	nowMillis := time.Now().UnixMilli()
	// Fresh entry: inside the staleness window.
	if err := db.PutAvatar(&store.AvatarEntry{
		OwnerID: "fresh", RemoteURL: "https://cdn.example/a.png",
		LocalPath: "/tmp/fresh.img", UpdatedAt: nowMillis,
	}); err != nil {
		t.Fatal(err)
	}
	// Stale entry: updated two windows ago.
	if err := db.PutAvatar(&store.AvatarEntry{
		OwnerID: "stale", RemoteURL: "https://cdn.example/b.png",
		LocalPath: "/tmp/stale.img", UpdatedAt: nowMillis - 2*time.Hour.Milliseconds(),
	}); err != nil {
		t.Fatal(err)
	}

	c.sweep(context.Background())

	if dl.callCount() != 1 {
		t.Fatalf("sweep made %d downloads, want 1 (stale only)", dl.callCount())
	}
	stale, _ := c.Get("stale")
	if stale.UpdatedAt <= nowMillis-2*time.Hour.Milliseconds() {
		t.Error("stale entry not refreshed")
	}
	fresh, _ := c.Get("fresh")
	if fresh.UpdatedAt != nowMillis {
		t.Error("fresh entry should be untouched")
	}
}

func TestTrackURLChangeMarksDue(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{
		"https://cdn.example/v2.png": []byte("v2"),
	}}
	c, _ := testCache(t, dl)

	if err := c.Track("user-b", "https://cdn.example/v1.png"); err != nil {
		t.Fatal(err)
	}
	// Re-tracking the same URL is a no-op.
	if err := c.Track("user-b", "https://cdn.example/v1.png"); err != nil {
		t.Fatal(err)
	}

	if err := c.Track("user-b", "https://cdn.example/v2.png"); err != nil {
		t.Fatal(err)
	}
	entry, _ := c.Get("user-b")
	if entry.RemoteURL != "https://cdn.example/v2.png" {
		t.Fatalf("entry = %+v", entry)
	}
	if !c.stale(*entry) {
		t.Error("url change should mark the entry due for refetch")
	}
}

func TestRefreshPublishesEvent(t *testing.T) {
	dl := &mockDownloader{data: map[string][]byte{
		"https://cdn.example/b.png": []byte("x"),
	}}
	db := testDB(t)
	b := bus.New()
	c, err := NewCache(db, dl, b, nil, filepath.Join(t.TempDir(), "avatars"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	events, unsub := b.Subscribe(bus.KindAvatarRefreshed, 4)
	defer unsub()

	if err := c.Track("user-b", "https://cdn.example/b.png"); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(context.Background(), "user-b"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-events:
		fields, _ := evt.Payload.(map[string]string)
		if fields["owner_id"] != "user-b" {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no avatar.refreshed event")
	}
}
