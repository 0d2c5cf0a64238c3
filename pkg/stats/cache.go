package stats

import (
	"time"
	"unsafe"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog"
)

// Cache stores encoded responses.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// FreeCache is a Cache backed by freecache.
type FreeCache struct {
	cache *freecache.Cache
	ttl   int
}

// NewCache returns a freecache-backed Cache, or a no-op one when disabled.
func NewCache(enabled bool, sizeMB int, ttl time.Duration, logger zerolog.Logger) Cache {
	if !enabled || sizeMB <= 0 {
		logger.Info().Msg("stats cache disabled")
		return noopCache{}
	}

	secs := max(int(ttl.Seconds()), 1)
	logger.Info().Int("size_mb", sizeMB).Int("ttl_seconds", secs).Msg("stats cache initialized")

	return &FreeCache{
		cache: freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:   secs,
	}
}

// keyBytes avoids copying the key; freecache copies it internally.
func keyBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (c *FreeCache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get(keyBytes(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *FreeCache) Set(key string, value []byte) {
	_ = c.cache.Set(keyBytes(key), value, c.ttl)
}

type noopCache struct{}

func (noopCache) Get(string) ([]byte, bool) { return nil, false }
func (noopCache) Set(string, []byte)        {}
