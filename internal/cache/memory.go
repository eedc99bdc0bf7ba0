package cache

import (
	"time"

	"github.com/karlseguin/ccache/v3"

	"map-compositor/internal/metrics"
)

// MemoryCache is a size-bounded in-process tile cache
type MemoryCache struct {
	items *ccache.Cache[[]byte]
	ttl   time.Duration
}

// NewMemoryCache keeps at most maxItems tiles for ttl each
func NewMemoryCache(maxItems int, ttl time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 512
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	prune := uint32(maxItems / 10)
	if prune == 0 {
		prune = 1
	}
	return &MemoryCache{
		items: ccache.New(ccache.Configure[[]byte]().MaxSize(int64(maxItems)).ItemsToPrune(prune)),
		ttl:   ttl,
	}
}

// Get returns a live entry
func (m *MemoryCache) Get(key string) ([]byte, bool) {
	item := m.items.Get(key)
	if item == nil || item.Expired() {
		metrics.CacheLookups.WithLabelValues(metrics.LayerMemory, metrics.Miss).Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(metrics.LayerMemory, metrics.Hit).Inc()
	return item.Value(), true
}

// Set stores data under key
func (m *MemoryCache) Set(key string, data []byte) error {
	m.items.Set(key, data, m.ttl)
	return nil
}

// Close stops the ccache worker
func (m *MemoryCache) Close() {
	m.items.Stop()
}

// Layered checks the memory cache first and falls back to disk.
// Disk hits are promoted to memory.
type Layered struct {
	Memory *MemoryCache
	Disk   *TileCache
}

// Get looks up key in memory, then on disk
func (l *Layered) Get(key string) ([]byte, bool) {
	if l.Memory != nil {
		if data, ok := l.Memory.Get(key); ok {
			return data, true
		}
	}
	if l.Disk != nil {
		if data, ok := l.Disk.Get(key); ok {
			if l.Memory != nil {
				l.Memory.Set(key, data)
			}
			return data, true
		}
	}
	return nil, false
}

// Set writes key to every configured layer
func (l *Layered) Set(key string, data []byte) error {
	if l.Memory != nil {
		l.Memory.Set(key, data)
	}
	if l.Disk != nil {
		return l.Disk.Set(key, data)
	}
	return nil
}

// Close releases both layers
func (l *Layered) Close() {
	if l.Memory != nil {
		l.Memory.Close()
	}
	if l.Disk != nil {
		l.Disk.Close()
	}
}
