package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains counters for every compression request handled by
// the process.
type Statistics struct {
	TotalRequests    int64
	RequestsFailed   int64
	ImagesCompressed int64
	VideosCompressed int64
	PassedThrough    int64
	ShortCircuited   int64
	EngineFallbacks  int64
	TargetsMissed    int64

	TotalAttempts int64

	BytesIn  int64
	BytesOut int64

	CacheHits   int64
	CacheMisses int64

	StartTime time.Time

	mutex         sync.RWMutex
	errors        []StatError
	mimeTypeStats map[string]int64
	errorKinds    map[string]int64
}

// StatError represents a failed request.
type StatError struct {
	Name      string    `json:"name"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the counters, safe to serialize.
type Snapshot struct {
	TotalRequests    int64            `json:"total_requests"`
	RequestsFailed   int64            `json:"requests_failed"`
	ImagesCompressed int64            `json:"images_compressed"`
	VideosCompressed int64            `json:"videos_compressed"`
	PassedThrough    int64            `json:"passed_through"`
	ShortCircuited   int64            `json:"short_circuited"`
	EngineFallbacks  int64            `json:"engine_fallbacks"`
	TargetsMissed    int64            `json:"targets_missed"`
	TotalAttempts    int64            `json:"total_attempts"`
	BytesIn          int64            `json:"bytes_in"`
	BytesOut         int64            `json:"bytes_out"`
	BytesSaved       int64            `json:"bytes_saved"`
	SavedPercent     float64          `json:"saved_percent"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	CacheHitRate     float64          `json:"cache_hit_rate"`
	Uptime           string           `json:"uptime"`
	MIMETypes        map[string]int64 `json:"mime_types"`
	ErrorKinds       map[string]int64 `json:"error_kinds"`
	RecentErrors     []StatError      `json:"recent_errors"`
}

const maxRecordedErrors = 100

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		errors:        make([]StatError, 0),
		mimeTypeStats: make(map[string]int64),
		errorKinds:    make(map[string]int64),
	}
}

// IncrementRequests increases the request count by 1.
func (s *Statistics) IncrementRequests() {
	atomic.AddInt64(&s.TotalRequests, 1)
}

// IncrementImagesCompressed increases the count of re-encoded images by 1.
func (s *Statistics) IncrementImagesCompressed() {
	atomic.AddInt64(&s.ImagesCompressed, 1)
}

// IncrementVideosCompressed increases the count of transcoded videos by 1.
func (s *Statistics) IncrementVideosCompressed() {
	atomic.AddInt64(&s.VideosCompressed, 1)
}

// IncrementPassedThrough increases the count of results returned unmodified.
func (s *Statistics) IncrementPassedThrough() {
	atomic.AddInt64(&s.PassedThrough, 1)
}

// IncrementShortCircuited counts inputs already within their target.
func (s *Statistics) IncrementShortCircuited() {
	atomic.AddInt64(&s.ShortCircuited, 1)
}

// IncrementEngineFallbacks counts videos returned unmodified because the
// engine was unavailable.
func (s *Statistics) IncrementEngineFallbacks() {
	atomic.AddInt64(&s.EngineFallbacks, 1)
}

// IncrementTargetsMissed counts searches that exhausted without fitting.
func (s *Statistics) IncrementTargetsMissed() {
	atomic.AddInt64(&s.TargetsMissed, 1)
}

// AddAttempts adds n encode attempts.
func (s *Statistics) AddAttempts(n int) {
	atomic.AddInt64(&s.TotalAttempts, int64(n))
}

// AddBytes records input and output sizes of one request.
func (s *Statistics) AddBytes(in, out int64) {
	atomic.AddInt64(&s.BytesIn, in)
	atomic.AddInt64(&s.BytesOut, out)
}

// IncrementCacheHits increases the cache hit count by 1.
func (s *Statistics) IncrementCacheHits() {
	atomic.AddInt64(&s.CacheHits, 1)
}

// IncrementCacheMisses increases the cache miss count by 1.
func (s *Statistics) IncrementCacheMisses() {
	atomic.AddInt64(&s.CacheMisses, 1)
}

// IncrementMIMEType increases the count for a specific MIME type by 1.
func (s *Statistics) IncrementMIMEType(mimeType string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.mimeTypeStats[mimeType]++
}

// AddError records a failed request under its error kind.
func (s *Statistics) AddError(name, operation, kind, errorMsg string) {
	atomic.AddInt64(&s.RequestsFailed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.errorKinds[kind]++
	if len(s.errors) >= maxRecordedErrors {
		s.errors = s.errors[1:]
	}
	s.errors = append(s.errors, StatError{
		Name:      name,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// CacheHitRate returns hits / (hits + misses), or 0 before any lookup.
func (s *Statistics) CacheHitRate() float64 {
	hits := atomic.LoadInt64(&s.CacheHits)
	total := hits + atomic.LoadInt64(&s.CacheMisses)
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot returns a consistent copy of all counters.
func (s *Statistics) Snapshot() Snapshot {
	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)

	snap := Snapshot{
		TotalRequests:    atomic.LoadInt64(&s.TotalRequests),
		RequestsFailed:   atomic.LoadInt64(&s.RequestsFailed),
		ImagesCompressed: atomic.LoadInt64(&s.ImagesCompressed),
		VideosCompressed: atomic.LoadInt64(&s.VideosCompressed),
		PassedThrough:    atomic.LoadInt64(&s.PassedThrough),
		ShortCircuited:   atomic.LoadInt64(&s.ShortCircuited),
		EngineFallbacks:  atomic.LoadInt64(&s.EngineFallbacks),
		TargetsMissed:    atomic.LoadInt64(&s.TargetsMissed),
		TotalAttempts:    atomic.LoadInt64(&s.TotalAttempts),
		BytesIn:          in,
		BytesOut:         out,
		BytesSaved:       in - out,
		CacheHits:        atomic.LoadInt64(&s.CacheHits),
		CacheMisses:      atomic.LoadInt64(&s.CacheMisses),
		CacheHitRate:     s.CacheHitRate(),
		Uptime:           time.Since(s.StartTime).Round(time.Second).String(),
	}
	if in > 0 {
		snap.SavedPercent = float64(in-out) * 100 / float64(in)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snap.MIMETypes = make(map[string]int64, len(s.mimeTypeStats))
	for k, v := range s.mimeTypeStats {
		snap.MIMETypes[k] = v
	}
	snap.ErrorKinds = make(map[string]int64, len(s.errorKinds))
	for k, v := range s.errorKinds {
		snap.ErrorKinds[k] = v
	}
	snap.RecentErrors = append([]StatError(nil), s.errors...)
	return snap
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Media Compressor Statistics Summary:

Requests:
		Total: %d
		Failed: %d
		Images Compressed: %d
		Videos Compressed: %d
		Passed Through: %d
		Already Within Target: %d
		Engine Fallbacks: %d
		Targets Missed: %d
		Encode Attempts: %d

Size:
		Bytes In: %s
		Bytes Out: %s
		Saved: %s (%.1f%%)

Cache:
		Hits: %d
		Misses: %d
		Hit Rate: %.2f%%

Uptime: %s`,
		snap.TotalRequests,
		snap.RequestsFailed,
		snap.ImagesCompressed,
		snap.VideosCompressed,
		snap.PassedThrough,
		snap.ShortCircuited,
		snap.EngineFallbacks,
		snap.TargetsMissed,
		snap.TotalAttempts,
		humanize.IBytes(uint64(max(snap.BytesIn, 0))),
		humanize.IBytes(uint64(max(snap.BytesOut, 0))),
		formatSigned(snap.BytesSaved),
		snap.SavedPercent,
		snap.CacheHits,
		snap.CacheMisses,
		snap.CacheHitRate*100,
		snap.Uptime)
}

// GetMIMETypeBreakdown returns a formatted breakdown of MIME types seen.
func (s *Statistics) GetMIMETypeBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.mimeTypeStats) == 0 {
		return "No MIME type statistics available"
	}

	types := make([]string, 0, len(s.mimeTypeStats))
	for t := range s.mimeTypeStats {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("MIME Type Breakdown:\n")
	for _, t := range types {
		fmt.Fprintf(&b, "  %s: %d\n", t, s.mimeTypeStats[t])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d recorded):\n", len(s.errors))
	for i, err := range s.errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Name,
			err.Error)
	}
	return result
}

func formatSigned(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
