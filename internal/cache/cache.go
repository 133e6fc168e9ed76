// Package cache provides caching for encoded frames and decoded sources.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/tileview/internal/raster"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	SourceEntries    int
	SourceSizeMB     int // Upper bound on decoded bytes kept, 0 = entries only
}

// Manager manages the frame and source caches.
type Manager struct {
	frameCache  *bigcache.BigCache
	sourceCache *lru.Cache[string, *raster.Raster]

	sourceBytes atomic.Int64
	sourceLimit int64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = 10 * time.Minute
	}
	if cfg.FrameCacheSizeMB <= 0 {
		cfg.FrameCacheSizeMB = 64
	}
	if cfg.SourceEntries <= 0 {
		cfg.SourceEntries = 8
	}

	// Configure frame cache
	frameCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       512 * 1024, // 512KB per frame
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	m := &Manager{
		frameCache:  frameCache,
		sourceLimit: int64(cfg.SourceSizeMB) << 20,
	}

	// Create source cache
	sourceCache, err := lru.NewWithEvict[string, *raster.Raster](cfg.SourceEntries, func(_ string, r *raster.Raster) {
		m.sourceBytes.Add(-int64(r.SizeBytes()))
	})
	if err != nil {
		frameCache.Close()
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}
	m.sourceCache = sourceCache
	return m, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetSource retrieves a decoded source.
func (m *Manager) GetSource(key string) (*raster.Raster, bool) {
	return m.sourceCache.Get(key)
}

// AddSource stores a decoded source, evicting the least recently used
// sources while the byte limit is exceeded. A source larger than the whole
// limit is not kept.
func (m *Manager) AddSource(key string, r *raster.Raster) {
	size := int64(r.SizeBytes())
	if m.sourceLimit > 0 && size > m.sourceLimit {
		return
	}
	if old, ok := m.sourceCache.Peek(key); ok {
		if old == r {
			return
		}
		m.sourceCache.Remove(key)
	}
	m.sourceBytes.Add(size)
	m.sourceCache.Add(key, r)
	for m.sourceLimit > 0 && m.sourceBytes.Load() > m.sourceLimit {
		if _, _, ok := m.sourceCache.RemoveOldest(); !ok {
			break
		}
	}
}

// RemoveSource drops a decoded source.
func (m *Manager) RemoveSource(key string) {
	m.sourceCache.Remove(key)
}

// FrameKey generates a cache key for a composed view frame.
func FrameKey(view string, version uint64, grid bool) string {
	if grid {
		return fmt.Sprintf("frame:%s:%d:grid", view, version)
	}
	return fmt.Sprintf("frame:%s:%d", view, version)
}

// TileKey generates a cache key for a single grid tile.
func TileKey(view string, version uint64, row, col int) string {
	return fmt.Sprintf("tile:%s:%d:%d/%d", view, version, row, col)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len":    m.frameCache.Len(),
		"frame_cache_cap":    m.frameCache.Capacity(),
		"source_cache_len":   m.sourceCache.Len(),
		"source_cache_bytes": m.sourceBytes.Load(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.sourceCache.Purge()
	return m.frameCache.Close()
}
