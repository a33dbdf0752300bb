package compressor

import (
	"context"
	"time"

	"media-compressor-go/internal/progress"
)

// Strategy selects how the quality search moves between attempts.
type Strategy string

const (
	// StrategyLinear multiplies quality by a fixed decay after each miss.
	StrategyLinear Strategy = "linear"
	// StrategyBinary bisects between the quality floor and the last miss.
	StrategyBinary Strategy = "binary"
)

// File is a named binary payload with a declared MIME type.
type File struct {
	Name string
	Type string
	Data []byte
}

// Size returns the payload length in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Options is the per-request compression envelope. Zero values are filled
// from the matching profile.
type Options struct {
	MaxWidth    int
	MaxHeight   int
	Quality     float64 // initial encoder quality in (0,1]
	TargetSize  int64   // bytes
	MaxAttempts int
	Format      string // jpeg, webp or png; images only
	Strategy    Strategy
	// Story selects the portrait story profile.
	Story bool

	// Video only.
	MaxBitrateKbps   int
	AudioBitrateKbps int
	VideoCodec       string
	AudioCodec       string
	Preset           string
}

// Profiles holds the defaults applied per media kind.
type Profiles struct {
	Image Options
	Story Options
	Video Options
}

// DefaultProfiles returns the built-in defaults.
func DefaultProfiles() Profiles {
	return Profiles{
		Image: Options{
			MaxWidth:    1920,
			MaxHeight:   1080,
			Quality:     0.85,
			TargetSize:  1024 * 1024,
			MaxAttempts: 10,
			Format:      "jpeg",
			Strategy:    StrategyBinary,
		},
		Story: Options{
			MaxWidth:    1080,
			MaxHeight:   1920,
			Quality:     0.8,
			TargetSize:  512 * 1024,
			MaxAttempts: 5,
			Format:      "jpeg",
			Strategy:    StrategyLinear,
		},
		Video: Options{
			MaxWidth:         1280,
			MaxHeight:        720,
			TargetSize:       50 * 1024 * 1024,
			MaxBitrateKbps:   2500,
			AudioBitrateKbps: 128,
			VideoCodec:       "libx264",
			AudioCodec:       "aac",
			Preset:           "fast",
		},
	}
}

// Request is a single compression job.
type Request struct {
	ID       string
	File     File
	Options  Options
	Progress progress.Sink
}

// Attempt records one encode-and-measure step of the quality search.
type Attempt struct {
	Quality      float64 `json:"quality"`
	Size         int64   `json:"size"`
	WithinBudget bool    `json:"within_budget"`
}

// Result is the outcome of a compression request.
type Result struct {
	Name             string
	Data             []byte
	MIMEType         string
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64 // percent saved, negative when the output grew
	AttemptsUsed     int
	Attempts         []Attempt
	QualityUsed      float64
	Width            int
	Height           int
	// PassedThrough is set when Data is the unmodified source.
	PassedThrough bool
	Warning       string
	Cached        bool
	Duration      time.Duration
}

// Compressor defines the interface for media compression.
type Compressor interface {
	// Compress shrinks a single file according to the request options.
	Compress(ctx context.Context, req Request) (*Result, error)
}
