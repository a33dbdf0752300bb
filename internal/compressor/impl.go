package compressor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"media-compressor-go/internal/engine"
	"media-compressor-go/internal/mediainfo"
	"media-compressor-go/internal/metrics"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/statistics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultBufferSize = 1 << 20

// DefaultCompressor is the default implementation of the Compressor interface.
type DefaultCompressor struct {
	profiles  Profiles
	engines   *engine.Loader
	cache     *ResultCache
	stats     *statistics.Statistics
	log       *logrus.Logger
	buffers   *bufferPool
	maxPixels int
}

// Option configures a DefaultCompressor.
type Option func(*DefaultCompressor)

// WithProfiles replaces the built-in profiles.
func WithProfiles(p Profiles) Option {
	return func(c *DefaultCompressor) { c.profiles = p }
}

// WithVideoEngine enables the video path. Without it every video is
// returned unmodified with a warning.
func WithVideoEngine(l *engine.Loader) Option {
	return func(c *DefaultCompressor) { c.engines = l }
}

// WithCache enables the result cache.
func WithCache(rc *ResultCache) Option {
	return func(c *DefaultCompressor) { c.cache = rc }
}

// WithStatistics records per-request counters into s.
func WithStatistics(s *statistics.Statistics) Option {
	return func(c *DefaultCompressor) { c.stats = s }
}

// WithMaxPixels rejects images whose header reports more pixels than n.
func WithMaxPixels(n int) Option {
	return func(c *DefaultCompressor) { c.maxPixels = n }
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(log *logrus.Logger, opts ...Option) *DefaultCompressor {
	if log == nil {
		log = logrus.New()
	}
	c := &DefaultCompressor{
		profiles: DefaultProfiles(),
		log:      log,
		buffers:  newBufferPool(defaultBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profiles returns the defaults applied to requests.
func (c *DefaultCompressor) Profiles() Profiles {
	return c.profiles
}

// Statistics returns the attached statistics, or nil.
func (c *DefaultCompressor) Statistics() *statistics.Statistics {
	return c.stats
}

// Cache returns the result cache, or nil when caching is off.
func (c *DefaultCompressor) Cache() *ResultCache {
	return c.cache
}

// Engines returns the video engine loader, or nil when video is disabled.
func (c *DefaultCompressor) Engines() *engine.Loader {
	return c.engines
}

// Close releases the video engine.
func (c *DefaultCompressor) Close() error {
	if c.engines == nil {
		return nil
	}
	return c.engines.Close()
}

// Compress shrinks req.File to fit the resolved options.
func (c *DefaultCompressor) Compress(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	file := req.File
	tracker := progress.NewTracker(req.Progress, req.ID, file.Name, file.Size())
	tracker.Uploading()
	log := c.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"file":       file.Name,
		"size":       file.Size(),
	})

	if c.stats != nil {
		c.stats.IncrementRequests()
	}

	res, family, err := c.compress(ctx, req, tracker, log)
	if err != nil {
		c.recordFailure(file, family, err, log)
		tracker.Fail(err)
		return nil, err
	}

	res.OriginalSize = file.Size()
	res.CompressedSize = int64(len(res.Data))
	res.Name = outputName(file.Name, res.MIMEType)
	res.CompressionRatio = compressionRatio(res.OriginalSize, res.CompressedSize)
	res.Duration = time.Since(start)

	c.recordSuccess(res, family)
	tracker.Complete(res.CompressedSize, res.Warning)

	log.WithFields(logrus.Fields{
		"compressed_size": res.CompressedSize,
		"ratio":           res.CompressionRatio,
		"attempts":        res.AttemptsUsed,
		"cached":          res.Cached,
		"duration":        res.Duration,
	}).Info("Compression finished")

	return res, nil
}

func (c *DefaultCompressor) compress(ctx context.Context, req Request, tracker *progress.Tracker, log *logrus.Entry) (*Result, mediainfo.Family, error) {
	file := req.File
	if len(file.Data) == 0 {
		return nil, mediainfo.FamilyUnknown, errorf(KindInvalidInput, "compress", "file %q is empty", file.Name)
	}

	mimeType := mediainfo.Detect(file.Data, file.Type)
	family := mediainfo.FamilyOf(mimeType)
	if family == mediainfo.FamilyUnknown {
		return nil, family, errorf(KindUnsupportedMediaType, "compress", "%s is neither image nor video", mimeType)
	}
	if c.stats != nil {
		c.stats.IncrementMIMEType(mimeType)
	}

	opts, err := c.resolveOptions(family, req.Options)
	if err != nil {
		return nil, family, err
	}

	if opts.TargetSize > 0 && file.Size() <= opts.TargetSize {
		log.Debug("Input already within target, returning unchanged")
		if c.stats != nil {
			c.stats.IncrementShortCircuited()
		}
		return &Result{
			Data:          file.Data,
			MIMEType:      mimeType,
			PassedThrough: true,
		}, family, nil
	}

	// Video outputs are too large to hold in memory.
	cacheable := c.cache != nil && family == mediainfo.FamilyImage

	var key string
	if cacheable {
		key = cacheKey(file, mimeType, opts)
		if cached, ok := c.cache.Get(key); ok {
			log.Debug("Result served from cache")
			c.cacheHit()
			cached.Cached = true
			return cached, family, nil
		}
		c.cacheMiss()
	}

	if err := ctx.Err(); err != nil {
		return nil, family, err
	}

	tracker.Compressing()

	var res *Result
	switch family {
	case mediainfo.FamilyImage:
		res, err = c.compressImage(ctx, file, mimeType, opts, log)
	case mediainfo.FamilyVideo:
		res, err = c.compressVideo(ctx, file, mimeType, opts, tracker, log)
	}
	if err != nil {
		return nil, family, err
	}

	if cacheable && !res.PassedThrough {
		c.cache.Put(key, res)
	}
	return res, family, nil
}

// resolveOptions fills zero fields of requested from the profile for
// family and validates the result.
func (c *DefaultCompressor) resolveOptions(family mediainfo.Family, requested Options) (Options, error) {
	var base Options
	switch {
	case family == mediainfo.FamilyVideo:
		base = c.profiles.Video
		base.Story = requested.Story
	case requested.Story:
		base = c.profiles.Story
		base.Story = true
	default:
		base = c.profiles.Image
	}

	if requested.MaxWidth != 0 {
		base.MaxWidth = requested.MaxWidth
	}
	if requested.MaxHeight != 0 {
		base.MaxHeight = requested.MaxHeight
	}
	if requested.Quality != 0 {
		base.Quality = requested.Quality
	}
	if requested.TargetSize != 0 {
		base.TargetSize = requested.TargetSize
	}
	if requested.MaxAttempts != 0 {
		base.MaxAttempts = requested.MaxAttempts
	}
	if requested.Format != "" {
		base.Format = requested.Format
	}
	if requested.Strategy != "" {
		base.Strategy = requested.Strategy
	}
	if requested.MaxBitrateKbps != 0 {
		base.MaxBitrateKbps = requested.MaxBitrateKbps
	}
	if requested.AudioBitrateKbps != 0 {
		base.AudioBitrateKbps = requested.AudioBitrateKbps
	}
	if requested.VideoCodec != "" {
		base.VideoCodec = requested.VideoCodec
	}
	if requested.AudioCodec != "" {
		base.AudioCodec = requested.AudioCodec
	}
	if requested.Preset != "" {
		base.Preset = requested.Preset
	}

	if base.MaxWidth < 0 || base.MaxHeight < 0 {
		return Options{}, errorf(KindInvalidInput, "resolve options", "max dimensions %dx%d must not be negative", base.MaxWidth, base.MaxHeight)
	}
	if base.TargetSize < 0 {
		return Options{}, errorf(KindInvalidInput, "resolve options", "target size %d must not be negative", base.TargetSize)
	}
	if base.MaxBitrateKbps < 0 || base.AudioBitrateKbps < 0 {
		return Options{}, errorf(KindInvalidInput, "resolve options", "bitrates must not be negative")
	}

	if family == mediainfo.FamilyImage {
		format, err := normalizeFormat(base.Format)
		if err != nil {
			return Options{}, newError(KindInvalidInput, "resolve options", err)
		}
		base.Format = format

		switch base.Strategy {
		case StrategyLinear, StrategyBinary:
		case "":
			base.Strategy = StrategyBinary
		default:
			return Options{}, errorf(KindInvalidInput, "resolve options", "unknown strategy %q (valid: linear, binary)", base.Strategy)
		}
		if base.Quality <= 0 || base.Quality > 1 {
			return Options{}, errorf(KindInvalidInput, "resolve options", "quality %.3f outside (0,1]", base.Quality)
		}
		if base.MaxAttempts <= 0 {
			return Options{}, errorf(KindInvalidInput, "resolve options", "max attempts must be positive, got %d", base.MaxAttempts)
		}
	}

	return base, nil
}

func (c *DefaultCompressor) cacheHit() {
	metrics.CacheHits.Inc()
	if c.stats != nil {
		c.stats.IncrementCacheHits()
	}
}

func (c *DefaultCompressor) cacheMiss() {
	metrics.CacheMisses.Inc()
	if c.stats != nil {
		c.stats.IncrementCacheMisses()
	}
}

func (c *DefaultCompressor) recordSuccess(res *Result, family mediainfo.Family) {
	outcome := "compressed"
	switch {
	case res.Cached:
		outcome = "cached"
	case res.Warning != "":
		outcome = "passthrough"
	case res.PassedThrough:
		outcome = "within_target"
	}

	metrics.CompressionsTotal.WithLabelValues(family.String(), outcome).Inc()
	metrics.CompressionDuration.WithLabelValues(family.String()).Observe(res.Duration.Seconds())
	metrics.CompressionBytesIn.Add(float64(res.OriginalSize))
	metrics.CompressionBytesOut.Add(float64(res.CompressedSize))
	if res.AttemptsUsed > 0 && !res.Cached {
		metrics.CompressionAttempts.Observe(float64(res.AttemptsUsed))
	}

	if c.stats == nil {
		return
	}
	c.stats.AddBytes(res.OriginalSize, res.CompressedSize)
	if res.Cached {
		return
	}
	c.stats.AddAttempts(res.AttemptsUsed)
	switch {
	case res.PassedThrough:
		c.stats.IncrementPassedThrough()
	case family == mediainfo.FamilyVideo:
		c.stats.IncrementVideosCompressed()
	default:
		c.stats.IncrementImagesCompressed()
		if len(res.Attempts) > 0 && !res.Attempts[len(res.Attempts)-1].WithinBudget {
			c.stats.IncrementTargetsMissed()
		}
	}
}

func (c *DefaultCompressor) recordFailure(file File, family mediainfo.Family, err error, log *logrus.Entry) {
	kind := "canceled"
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		kind = KindOf(err).String()
	}
	metrics.CompressionsTotal.WithLabelValues(family.String(), "error").Inc()
	metrics.CompressionErrors.WithLabelValues(kind).Inc()
	if c.stats != nil {
		c.stats.AddError(file.Name, "compress", kind, err.Error())
	}
	log.WithError(err).WithField("kind", kind).Error("Compression failed")
}

// compressionRatio returns the percentage saved; negative when out grew.
func compressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) * 100 / float64(original)
}

// outputName swaps the extension of name for one matching mimeType.
func outputName(name, mimeType string) string {
	if name == "" {
		return name
	}
	var ext string
	switch mimeType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	case "image/png":
		ext = ".png"
	case "video/mp4":
		ext = ".mp4"
	default:
		return name
	}
	current := filepath.Ext(name)
	if strings.EqualFold(current, ext) || (ext == ".jpg" && strings.EqualFold(current, ".jpeg")) {
		return name
	}
	return strings.TrimSuffix(name, current) + ext
}
