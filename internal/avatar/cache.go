// Package avatar caches contact and conversation avatar images on
// disk. Reads never touch the network: callers always get the cached
// image when one exists, even a stale one. A background loop refetches
// stale entries and atomically replaces them on success.
package avatar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/store"
)

// Downloader fetches avatar bytes from a remote URL.
type Downloader interface {
	DownloadBytes(ctx context.Context, remoteURL string, maxBytes int64) ([]byte, error)
}

const (
	// DefaultRefreshInterval is the staleness window: entries older
	// than this are refetched in the background.
	DefaultRefreshInterval = 6 * time.Hour

	// maxAvatarBytes caps one avatar download.
	maxAvatarBytes = 4 << 20
)

// Cache maps owner ids to locally stored avatar images, backed by the
// store's avatars table and a file directory.
type Cache struct {
	db       *store.DB
	dl       Downloader
	bus      *bus.Bus
	logger   *zap.Logger
	dir      string
	interval time.Duration
	now      func() time.Time
}

// NewCache creates an avatar cache rooted at dir. interval <= 0
// selects the default staleness window.
func NewCache(db *store.DB, dl Downloader, b *bus.Bus, logger *zap.Logger, dir string, interval time.Duration) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("avatar cache dir: %w", err)
	}
	return &Cache{
		db:       db,
		dl:       dl,
		bus:      b,
		logger:   logger,
		dir:      dir,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Get returns the cached avatar for an owner without blocking on the
// network. A stale-but-present entry is returned as-is; the refresh
// loop handles it separately. Returns nil when nothing is cached.
func (c *Cache) Get(ownerID string) (*store.AvatarEntry, error) {
	return c.db.GetAvatar(ownerID)
}

// Track registers an owner's remote avatar URL so the refresh loop
// picks it up. The image is not fetched synchronously; until the first
// refresh completes, Get returns nil for this owner.
func (c *Cache) Track(ownerID, remoteURL string) error {
	existing, err := c.db.GetAvatar(ownerID)
	if err != nil {
		return fmt.Errorf("track avatar %s: %w", ownerID, err)
	}
	if existing != nil && existing.RemoteURL == remoteURL {
		return nil
	}
	entry := &store.AvatarEntry{OwnerID: ownerID, RemoteURL: remoteURL}
	if existing != nil {
		// A URL change invalidates the image but keeps the old file
		// readable until the refetch lands.
		entry.LocalPath = existing.LocalPath
	}
	if err := c.db.PutAvatar(entry); err != nil {
		return fmt.Errorf("track avatar %s: %w", ownerID, err)
	}
	return nil
}

// Refresh refetches one owner's avatar immediately and atomically
// replaces the entry on success. On failure the previous entry is
// kept untouched.
func (c *Cache) Refresh(ctx context.Context, ownerID string) error {
	entry, err := c.db.GetAvatar(ownerID)
	if err != nil {
		return fmt.Errorf("refresh avatar %s: %w", ownerID, err)
	}
	if entry == nil || entry.RemoteURL == "" {
		return nil
	}
	return c.refetch(ctx, entry)
}

func (c *Cache) refetch(ctx context.Context, entry *store.AvatarEntry) error {
	data, err := c.dl.DownloadBytes(ctx, entry.RemoteURL, maxAvatarBytes)
	if err != nil {
		return fmt.Errorf("fetch avatar %s: %w", entry.OwnerID, err)
	}

	// Write to a temp file and rename so a crash never leaves a
	// half-written image behind the recorded path.
	final := filepath.Join(c.dir, entry.OwnerID+".img")
	tmp, err := os.CreateTemp(c.dir, entry.OwnerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("stage avatar %s: %w", entry.OwnerID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stage avatar %s: %w", entry.OwnerID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stage avatar %s: %w", entry.OwnerID, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("install avatar %s: %w", entry.OwnerID, err)
	}

	updated := &store.AvatarEntry{
		OwnerID:   entry.OwnerID,
		RemoteURL: entry.RemoteURL,
		LocalPath: final,
		UpdatedAt: c.now().UnixMilli(),
	}
	if err := c.db.PutAvatar(updated); err != nil {
		return fmt.Errorf("record avatar %s: %w", entry.OwnerID, err)
	}
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindAvatarRefreshed,
			Timestamp: c.now(),
			Payload:   map[string]string{"owner_id": entry.OwnerID},
		})
	}
	return nil
}

// stale reports whether an entry's image is due for a refetch. A
// tracked entry with no image yet is always due.
func (c *Cache) stale(e store.AvatarEntry) bool {
	if e.RemoteURL == "" {
		return false
	}
	if e.LocalPath == "" || e.UpdatedAt == 0 {
		return true
	}
	return c.now().UnixMilli()-e.UpdatedAt > c.interval.Milliseconds()
}

// Run sweeps all tracked entries on a timer and refetches the stale
// ones. Failures keep the stale entry and retry on the next sweep;
// entries are never evicted for staleness.
func (c *Cache) Run(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) sweep(ctx context.Context) {
	entries, err := c.db.ListAvatars()
	if err != nil {
		c.logger.Error("avatar sweep failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !c.stale(e) {
			continue
		}
		if err := c.refetch(ctx, &e); err != nil {
			c.logger.Warn("avatar refresh failed, keeping stale entry",
				zap.String("owner_id", e.OwnerID), zap.Error(err))
		}
	}
}
