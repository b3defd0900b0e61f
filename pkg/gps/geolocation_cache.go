package gps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const (
	geoFixBucket = "geolocation_fixes"
	// strongest access points that make up a cache key
	keyAccessPoints = 3
)

// GeolocationCacheConfig holds settings for the persistent lookup cache
type GeolocationCacheConfig struct {
	Path       string        `json:"path"`
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
}

// DefaultGeolocationCacheConfig returns the default cache configuration
func DefaultGeolocationCacheConfig() *GeolocationCacheConfig {
	return &GeolocationCacheConfig{
		Path:       "/overlay/precision/geolocation_cache.db",
		TTL:        24 * time.Hour,
		MaxEntries: 5000,
	}
}

// CachedFix is a resolved geolocation lookup
type CachedFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	CachedAt  time.Time `json:"cached_at"`
}

// GeolocationCache remembers geolocation results per radio environment in a
// bbolt database, so a stationary router does not pay for repeated lookups
type GeolocationCache struct {
	config *GeolocationCacheConfig
	db     *bolt.DB
	logger *logx.Logger
	now    func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// OpenGeolocationCache opens or creates the cache database
func OpenGeolocationCache(config *GeolocationCacheConfig, logger *logx.Logger) (*GeolocationCache, error) {
	if config == nil {
		config = DefaultGeolocationCacheConfig()
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open geolocation cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(geoFixBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize geolocation cache: %w", err)
	}

	c := &GeolocationCache{config: config, db: db, logger: logger, now: time.Now}
	logger.Info("geolocation_cache_opened", "path", config.Path, "entries", c.Len(), "ttl", config.TTL.String())
	return c, nil
}

// Get returns the cached fix for the radio environment in scan, if one is
// present and younger than the TTL
func (c *GeolocationCache) Get(scan *RadioScan) (*CachedFix, bool) {
	key := scanKey(scan)
	if key == "" {
		return nil, false
	}

	var fix *CachedFix
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(geoFixBucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		fix = &CachedFix{}
		return json.Unmarshal(data, fix)
	})
	if err != nil {
		c.logger.Warn("geolocation_cache_read_failed", "key", key, "error", err)
		fix = nil
	}
	if fix != nil && c.config.TTL > 0 && c.now().Sub(fix.CachedAt) > c.config.TTL {
		fix = nil
	}

	if fix == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.LogDebugVerbose("geolocation_cache_hit", map[string]interface{}{
		"key":       key,
		"cached_at": fix.CachedAt,
	})
	return fix, true
}

// Put stores a resolved fix for scan, evicting the oldest entries beyond
// MaxEntries
func (c *GeolocationCache) Put(scan *RadioScan, fix CachedFix) error {
	key := scanKey(scan)
	if key == "" {
		return nil
	}
	if fix.CachedAt.IsZero() {
		fix.CachedAt = c.now()
	}
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal cached fix: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(geoFixBucket))
		if err := b.Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to store cached fix: %w", err)
		}
		return c.evictLocked(b)
	})
}

// evictLocked trims the bucket to MaxEntries, dropping the oldest fixes.
// Must run inside a write transaction.
func (c *GeolocationCache) evictLocked(b *bolt.Bucket) error {
	if c.config.MaxEntries <= 0 {
		return nil
	}
	type entry struct {
		key      []byte
		cachedAt time.Time
	}
	var entries []entry
	if err := b.ForEach(func(k, v []byte) error {
		var fix CachedFix
		if err := json.Unmarshal(v, &fix); err != nil {
			// unreadable entries go first
			fix.CachedAt = time.Time{}
		}
		entries = append(entries, entry{key: append([]byte(nil), k...), cachedAt: fix.CachedAt})
		return nil
	}); err != nil {
		return err
	}

	surplus := len(entries) - c.config.MaxEntries
	if surplus <= 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cachedAt.Before(entries[j].cachedAt) })
	for _, e := range entries[:surplus] {
		if err := b.Delete(e.key); err != nil {
			return err
		}
	}
	c.logger.Debug("geolocation_cache_evicted", "entries", surplus)
	return nil
}

// Len returns the number of cached fixes
func (c *GeolocationCache) Len() int {
	n := 0
	c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(geoFixBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Stats returns cache hits and misses since open
func (c *GeolocationCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close closes the database
func (c *GeolocationCache) Close() error {
	return c.db.Close()
}

// scanKey identifies a radio environment by its serving cells and its
// strongest access points. Weak access points come and go between scans and
// are left out.
func scanKey(scan *RadioScan) string {
	if scan == nil {
		return ""
	}

	var cells []string
	for _, cell := range scan.Cells {
		cells = append(cells, fmt.Sprintf("%d-%d-%d-%d", cell.MobileCountryCode, cell.MobileNetworkCode, cell.LocationAreaCode, cell.CellID))
	}
	sort.Strings(cells)

	aps := append(scan.WiFi[:0:0], scan.WiFi...)
	sort.Slice(aps, func(i, j int) bool { return aps[i].SignalStrength > aps[j].SignalStrength })
	if len(aps) > keyAccessPoints {
		aps = aps[:keyAccessPoints]
	}
	var macs []string
	for _, ap := range aps {
		macs = append(macs, strings.ToLower(ap.MACAddress))
	}
	sort.Strings(macs)

	if len(cells) == 0 && len(macs) == 0 {
		return ""
	}
	return "cells=" + strings.Join(cells, ",") + ";wifi=" + strings.Join(macs, ",")
}
