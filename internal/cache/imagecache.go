package cache

import (
	"unsafe"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/config"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
)

// ImageCache holds rendered images keyed by render request
type ImageCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte)
	Stats() Stats
	Clear()
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Entries   int64   `json:"entries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
	MaxMB     int     `json:"maxMB"`
}

// FreeCache is an in-memory ImageCache with a fixed byte budget
type FreeCache struct {
	cache   *freecache.Cache
	ttl     int
	maxMB   int
	metrics metrics.Recorder
}

// New returns a freecache-backed cache, or a no-op one when disabled
func New(cfg config.CacheConfig, logger zerolog.Logger, rec metrics.Recorder) ImageCache {
	log := logging.For(logger, "Cache")
	if rec == nil {
		rec = metrics.Noop{}
	}
	if !cfg.Enabled || cfg.SizeMB <= 0 {
		log.Info().Msg("Image cache disabled")
		return noopCache{}
	}

	log.Info().Int("sizeMB", cfg.SizeMB).Int("ttlSec", cfg.TTLSec).Msg("Image cache initialized")
	return &FreeCache{
		cache:   freecache.NewCache(cfg.SizeMB * 1024 * 1024),
		ttl:     cfg.TTLSec,
		maxMB:   cfg.SizeMB,
		metrics: rec,
	}
}

// keyBytes converts without allocation; freecache copies keys internally
func keyBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (c *FreeCache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get(keyBytes(key))
	if err != nil {
		c.metrics.IncCacheMisses()
		return nil, false
	}
	c.metrics.IncCacheHits()
	return val, true
}

// Set stores data; entries larger than 1/1024 of the cache are skipped
func (c *FreeCache) Set(key string, data []byte) {
	_ = c.cache.Set(keyBytes(key), data, c.ttl)
}

func (c *FreeCache) Stats() Stats {
	return Stats{
		Entries:   c.cache.EntryCount(),
		Hits:      c.cache.HitCount(),
		Misses:    c.cache.MissCount(),
		Evictions: c.cache.EvacuateCount(),
		HitRate:   c.cache.HitRate(),
		MaxMB:     c.maxMB,
	}
}

func (c *FreeCache) Clear() {
	c.cache.Clear()
	c.cache.ResetStatistics()
}

type noopCache struct{}

func (noopCache) Get(_ string) ([]byte, bool) { return nil, false }
func (noopCache) Set(_ string, _ []byte)      {}
func (noopCache) Stats() Stats                { return Stats{} }
func (noopCache) Clear()                      {}
