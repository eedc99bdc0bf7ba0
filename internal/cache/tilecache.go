package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"map-compositor/internal/metrics"
)

const tileExt = ".png"

// TileCache provides LRU caching for raster tiles with disk persistence.
// Keys are slash separated ("{source}/{z}/{x}/{y}") and map to a ZXY tree
// under baseDir, so the index can be rebuilt from disk after a restart.
type TileCache struct {
	baseDir   string
	maxSize   int64 // Maximum cache size in bytes
	currSize  int64 // Current cache size (atomic)
	ttl       time.Duration
	mu        sync.RWMutex
	index     map[string]*CacheEntry // In-memory index
	evictChan chan struct{}          // Signal for background eviction
	done      chan struct{}
	closeOnce sync.Once
}

// CacheEntry represents a cached tile
type CacheEntry struct {
	Key        string
	FilePath   string
	Size       int64
	AccessTime time.Time
	CreateTime time.Time
}

// NewTileCache creates a new tile cache with the specified directory, max size and TTL (0 = no expiry)
func NewTileCache(baseDir string, maxSizeMB int, ttl time.Duration) (*TileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &TileCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       ttl,
		index:     make(map[string]*CacheEntry),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := cache.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	go cache.evictionWorker()

	return cache, nil
}

// Get retrieves a tile from cache
func (c *TileCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, exists := c.index[key]
	c.mu.RUnlock()

	if !exists {
		metrics.CacheLookups.WithLabelValues(metrics.LayerDisk, metrics.Miss).Inc()
		return nil, false
	}

	if c.ttl > 0 && time.Since(entry.CreateTime) > c.ttl {
		c.remove(key)
		metrics.CacheLookups.WithLabelValues(metrics.LayerDisk, metrics.Miss).Inc()
		return nil, false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		// File vanished underneath us
		c.remove(key)
		metrics.CacheLookups.WithLabelValues(metrics.LayerDisk, metrics.Miss).Inc()
		return nil, false
	}

	c.mu.Lock()
	entry.AccessTime = time.Now()
	c.mu.Unlock()

	metrics.CacheLookups.WithLabelValues(metrics.LayerDisk, metrics.Hit).Inc()
	return data, true
}

// Set stores a tile in cache
func (c *TileCache) Set(key string, data []byte) error {
	filePath, err := c.pathFor(key)
	if err != nil {
		return err
	}
	size := int64(len(data))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	entry := &CacheEntry{
		Key:        key,
		FilePath:   filePath,
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}

	c.mu.Lock()
	if old, exists := c.index[key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.index[key] = entry
	c.mu.Unlock()

	if atomic.AddInt64(&c.currSize, size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default: // Already signaled
		}
	}

	return nil
}

// pathFor maps a key to a file below baseDir and rejects traversal
func (c *TileCache) pathFor(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid cache key: %q", key)
	}
	p := filepath.Join(c.baseDir, filepath.FromSlash(key)+tileExt)
	if err := ValidateCachePath(c.baseDir, p); err != nil {
		return "", err
	}
	return p, nil
}

func (c *TileCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.index[key]; ok {
		os.Remove(entry.FilePath) // Best effort cleanup
		delete(c.index, key)
		atomic.AddInt64(&c.currSize, -entry.Size)
	}
}

func (c *TileCache) evictionWorker() {
	for {
		select {
		case <-c.evictChan:
			c.evict()
		case <-c.done:
			return
		}
	}
}

// evict removes least recently used tiles until the cache is at 90% of max size
func (c *TileCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return
	}
	targetSize := c.maxSize * 9 / 10

	entries := make([]*CacheEntry, 0, len(c.index))
	for _, entry := range c.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	for _, e := range entries {
		if currSize <= targetSize {
			break
		}
		os.Remove(e.FilePath)
		delete(c.index, e.Key)
		atomic.AddInt64(&c.currSize, -e.Size)
		currSize -= e.Size
	}
}

// loadIndex scans the cache directory and rebuilds the in-memory index
func (c *TileCache) loadIndex() error {
	return filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if info.IsDir() || filepath.Ext(path) != tileExt {
			return nil
		}

		rel, err := filepath.Rel(c.baseDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, tileExt))

		c.index[key] = &CacheEntry{
			Key:        key,
			FilePath:   path,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		atomic.AddInt64(&c.currSize, info.Size())
		return nil
	})
}

// Stats returns cache statistics
func (c *TileCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached tiles
func (c *TileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index {
		os.Remove(entry.FilePath)
	}
	c.index = make(map[string]*CacheEntry)
	atomic.StoreInt64(&c.currSize, 0)
	return nil
}

// Close stops the background eviction worker
func (c *TileCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ValidateCachePath validates that a file path is within the cache directory
func ValidateCachePath(cacheDir, filePath string) error {
	if cacheDir == "" || filePath == "" {
		return fmt.Errorf("cache directory or file path is empty")
	}

	absCacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for cache directory: %w", err)
	}
	absFilePath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for file: %w", err)
	}

	relPath, err := filepath.Rel(absCacheDir, absFilePath)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}
	if strings.HasPrefix(relPath, "..") {
		return fmt.Errorf("path traversal attempt detected: %s is outside cache directory %s", filePath, cacheDir)
	}
	return nil
}
