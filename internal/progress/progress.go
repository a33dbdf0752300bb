package progress

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Phase is the lifecycle stage of a single media item.
type Phase int

const (
	PhaseUploading Phase = iota
	PhaseCompressing
	PhaseCompleted
	PhaseError
)

// String returns the wire name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUploading:
		return "uploading"
	case PhaseCompressing:
		return "compressing"
	case PhaseCompleted:
		return "completed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets Update serialize phases by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Update is one progress observation for a media item.
type Update struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Phase          Phase  `json:"phase"`
	Percent        int    `json:"percent"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Sink receives progress updates. Implementations must not block for long.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

// Publish calls f(u).
func (f SinkFunc) Publish(u Update) { f(u) }

// MultiSink fans an update out to every sink.
type MultiSink []Sink

// Publish forwards u to each non-nil sink.
func (m MultiSink) Publish(u Update) {
	for _, s := range m {
		if s != nil {
			s.Publish(u)
		}
	}
}

// LogSink writes updates to a logrus logger at debug level.
type LogSink struct {
	Logger *logrus.Logger
}

// Publish logs u.
func (l LogSink) Publish(u Update) {
	if l.Logger == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"id":      u.ID,
		"file":    u.Name,
		"phase":   u.Phase.String(),
		"percent": u.Percent,
	}).Debug("progress")
}

// Tracker reports the progress of one item. Percent values it publishes
// are clamped to [0,100] and never decrease.
type Tracker struct {
	sink Sink
	id   string
	name string
	size int64

	mu   sync.Mutex
	last int
	done bool
}

// NewTracker returns a Tracker publishing to sink. A nil sink is allowed.
func NewTracker(sink Sink, id, name string, originalSize int64) *Tracker {
	return &Tracker{sink: sink, id: id, name: name, size: originalSize}
}

// Uploading marks the item as being received.
func (t *Tracker) Uploading() {
	t.publish(PhaseUploading, 0, 0, "")
}

// Compressing marks the item as being compressed, keeping the current percent.
func (t *Tracker) Compressing() {
	t.publish(PhaseCompressing, -1, 0, "")
}

// Advance reports a fractional percent from a long-running step.
// Regressions and out-of-range values are clamped.
func (t *Tracker) Advance(percent float64) {
	t.publish(PhaseCompressing, clampPercent(percent), 0, "")
}

// Complete marks the item as finished.
func (t *Tracker) Complete(compressedSize int64, message string) {
	if t == nil {
		return
	}
	t.publish(PhaseCompleted, 100, compressedSize, message)
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

// Fail marks the item as failed with err's message.
func (t *Tracker) Fail(err error) {
	if t == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.publish(PhaseError, -1, 0, msg)
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

// publish records and emits an update; percent < 0 keeps the last value.
func (t *Tracker) publish(phase Phase, percent int, compressedSize int64, message string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if percent > t.last {
		t.last = percent
	}
	u := Update{
		ID:             t.id,
		Name:           t.name,
		Phase:          phase,
		Percent:        t.last,
		OriginalSize:   t.size,
		CompressedSize: compressedSize,
		Message:        message,
	}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Publish(u)
	}
}

func clampPercent(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}
