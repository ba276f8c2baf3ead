package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/metrics"
)

// CacheConfig controls the local disk cache used to stage merge inputs.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// MaxSize caps total cached bytes. Least recently used entries are
	// evicted to make room.
	MaxSize int64 `yaml:"max_size"`
	// SkipSize disables prewarming for batches larger than this. Zero
	// means prewarm everything that fits.
	SkipSize int64 `yaml:"skip_size"`
}

type cacheEntry struct {
	size     int64
	lastUsed time.Time
}

// DiskCache keeps recently fetched objects on local disk so repeated merges
// over the same hour do not re-download from object storage. Best effort:
// callers fall back to the store on any miss.
type DiskCache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	size    int64
}

// NewDiskCache opens the cache directory and rebuilds size accounting from
// whatever survived the last run.
func NewDiskCache(cfg CacheConfig) (*DiskCache, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
	}

	c := &DiskCache{
		cfg:     cfg,
		logger:  logging.Component("cache"),
		entries: make(map[string]cacheEntry),
	}

	err := filepath.WalkDir(cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cfg.Dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		c.entries[key] = cacheEntry{size: info.Size(), lastUsed: info.ModTime()}
		c.size += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache directory %s: %w", cfg.Dir, err)
	}

	c.logger.Info("disk cache ready",
		"dir", cfg.Dir,
		"entries", len(c.entries),
		"bytes", c.size)
	c.publishSize()
	return c, nil
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.cfg.Dir, filepath.FromSlash(key))
}

// Get returns the cached bytes for key, or ok=false on a miss.
func (c *DiskCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	entry, found := c.entries[key]
	if found {
		entry.lastUsed = time.Now()
		c.entries[key] = entry
	}
	c.mu.Unlock()

	if !found {
		if m := metrics.Get(); m != nil {
			m.CacheMisses.Inc()
		}
		return nil, false
	}

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		c.drop(key)
		if m := metrics.Get(); m != nil {
			m.CacheMisses.Inc()
		}
		return nil, false
	}

	if m := metrics.Get(); m != nil {
		m.CacheHits.Inc()
	}
	return data, true
}

// Admit stores data under key, evicting least recently used entries until it
// fits. Objects larger than the cache are skipped silently.
func (c *DiskCache) Admit(key string, data []byte) error {
	need := int64(len(data))
	if c.cfg.MaxSize > 0 && need > c.cfg.MaxSize {
		return nil
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.size -= old.size
		delete(c.entries, key)
	}
	var evicted []string
	for c.cfg.MaxSize > 0 && c.size+need > c.cfg.MaxSize && len(c.entries) > 0 {
		oldest := ""
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.lastUsed.Before(oldestAt) {
				oldest = k
				oldestAt = e.lastUsed
			}
		}
		c.size -= c.entries[oldest].size
		delete(c.entries, oldest)
		evicted = append(evicted, oldest)
	}
	c.mu.Unlock()

	for _, k := range evicted {
		os.Remove(c.path(k))
	}

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache directory for %s: %w", key, err)
	}

	// Write atomically using temp file + rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{size: need, lastUsed: time.Now()}
	c.size += need
	c.mu.Unlock()
	c.publishSize()
	return nil
}

// Fetch reads key through the cache, falling back to store on a miss and
// admitting what it fetched.
func (c *DiskCache) Fetch(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	if data, ok := c.Get(key); ok {
		return data, nil
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.Admit(key, data); err != nil {
		c.logger.Warn("cache admit failed", "key", key, "error", err)
	}
	return data, nil
}

// ShouldPrewarm reports whether a merge batch of totalSize bytes should be
// staged in the cache before merging.
func (c *DiskCache) ShouldPrewarm(totalSize int64) bool {
	if !c.cfg.Enabled {
		return false
	}
	if c.cfg.MaxSize > 0 && totalSize > c.cfg.MaxSize {
		return false
	}
	if c.cfg.SkipSize > 0 && totalSize > c.cfg.SkipSize {
		return false
	}
	return true
}

// RemovePrefix drops every cached entry whose key starts with prefix.
// Retention uses this to clear out deleted days.
func (c *DiskCache) RemovePrefix(prefix string) {
	c.mu.Lock()
	var doomed []string
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) {
			c.size -= e.size
			delete(c.entries, k)
			doomed = append(doomed, k)
		}
	}
	c.mu.Unlock()

	for _, k := range doomed {
		os.Remove(c.path(k))
	}
	if len(doomed) > 0 {
		c.logger.Debug("cache prefix removed", "prefix", prefix, "entries", len(doomed))
		c.publishSize()
	}
}

func (c *DiskCache) drop(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.size -= e.size
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.publishSize()
}

// Size returns total cached bytes.
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *DiskCache) publishSize() {
	if m := metrics.Get(); m != nil {
		c.mu.Lock()
		m.CacheBytes.Set(float64(c.size))
		c.mu.Unlock()
	}
}
