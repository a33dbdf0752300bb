package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	Size         int
	MaxSize      int
	Bytes        int64
	MaxBytes     int64
	HitRate      float64
	TotalQueries int64
}

type cacheEntry struct {
	result  Result
	expires time.Time
	added   time.Time
}

// ResultCache keeps recent results keyed by source content and resolved
// options. Entries expire after ttl; a zero ttl keeps them until evicted.
// The payload bytes held across all entries never exceed maxBytes.
type ResultCache struct {
	mutex      sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	maxBytes   int64
	bytes      int64
	ttl        time.Duration
	stats      CacheStats
	now        func() time.Time
}

// NewResultCache returns a cache holding at most maxEntries results and
// maxBytes of payload.
func NewResultCache(maxEntries int, maxBytes int64, ttl time.Duration) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &ResultCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		stats:      CacheStats{MaxSize: maxEntries, MaxBytes: maxBytes},
		now:        time.Now,
	}
}

// cacheKey hashes the payload together with every option that can change
// the output.
func cacheKey(file File, mimeType string, opts Options) string {
	h := sha256.New()
	h.Write(file.Data)
	fmt.Fprintf(h, "|%s|%d|%d|%.4f|%d|%d|%s|%s|%t|%d|%d|%s|%s|%s",
		mimeType, opts.MaxWidth, opts.MaxHeight, opts.Quality, opts.TargetSize,
		opts.MaxAttempts, opts.Format, opts.Strategy, opts.Story,
		opts.MaxBitrateKbps, opts.AudioBitrateKbps, opts.VideoCodec, opts.AudioCodec, opts.Preset)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached result for key.
func (rc *ResultCache) Get(key string) (*Result, bool) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.stats.TotalQueries++
	entry, ok := rc.entries[key]
	if ok && rc.ttl > 0 && rc.now().After(entry.expires) {
		rc.remove(key)
		ok = false
	}
	if !ok {
		rc.stats.Misses++
		return nil, false
	}
	rc.stats.Hits++

	res := entry.result
	res.Attempts = append([]Attempt(nil), entry.result.Attempts...)
	return &res, true
}

// Put stores res under key, evicting the oldest entries until both limits
// hold. Results larger than the byte limit are not stored.
func (rc *ResultCache) Put(key string, res *Result) {
	if res == nil {
		return
	}
	size := int64(len(res.Data))
	if size > rc.maxBytes {
		return
	}
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	now := rc.now()
	rc.remove(key)
	for len(rc.entries) > 0 && (len(rc.entries) >= rc.maxEntries || rc.bytes+size > rc.maxBytes) {
		rc.evictOldest()
	}
	rc.bytes += size
	stored := *res
	stored.Attempts = append([]Attempt(nil), res.Attempts...)
	rc.entries[key] = &cacheEntry{
		result:  stored,
		expires: now.Add(rc.ttl),
		added:   now,
	}
}

// evictOldest drops the entry inserted first. Caller holds the mutex.
func (rc *ResultCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range rc.entries {
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey, oldest = k, e.added
		}
	}
	if oldestKey != "" {
		rc.remove(oldestKey)
	}
}

// remove drops key and its bytes. Caller holds the mutex.
func (rc *ResultCache) remove(key string) {
	if e, ok := rc.entries[key]; ok {
		rc.bytes -= int64(len(e.result.Data))
		delete(rc.entries, key)
	}
}

// Clear removes all entries and resets statistics.
func (rc *ResultCache) Clear() {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	rc.entries = make(map[string]*cacheEntry)
	rc.bytes = 0
	rc.stats = CacheStats{MaxSize: rc.maxEntries, MaxBytes: rc.maxBytes}
}

// Stats returns a snapshot of cache statistics.
func (rc *ResultCache) Stats() CacheStats {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	s := rc.stats
	s.Size = len(rc.entries)
	s.Bytes = rc.bytes
	if s.TotalQueries > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalQueries)
	}
	return s
}
