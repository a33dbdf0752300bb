package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-compressor-go/internal/engine"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func flatPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x % 256), 80, uint8(y % 256), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type recordingSink struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (r *recordingSink) Publish(u progress.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingSink) snapshot() []progress.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Update(nil), r.updates...)
}

func TestCompressImageAboveTarget(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())
	data := noisePNG(t, 320, 240)

	res, err := c.Compress(context.Background(), Request{
		File:    File{Name: "holiday.png", Type: "image/png", Data: data},
		Options: Options{TargetSize: 1, MaxAttempts: 4},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if res.AttemptsUsed == 0 || res.AttemptsUsed > 4 {
		t.Errorf("AttemptsUsed = %d, want 1..4", res.AttemptsUsed)
	}
	if res.QualityUsed > 0.85 {
		t.Errorf("QualityUsed = %v exceeds initial quality", res.QualityUsed)
	}
	assertNonIncreasing(t, res.Attempts, 0.85)
	if res.MIMEType != "image/jpeg" {
		t.Errorf("MIMEType = %q, want image/jpeg", res.MIMEType)
	}
	if res.Name != "holiday.jpg" {
		t.Errorf("Name = %q, want holiday.jpg", res.Name)
	}
	if res.OriginalSize != int64(len(data)) || res.CompressedSize != int64(len(res.Data)) {
		t.Errorf("sizes = %d/%d, want %d/%d", res.OriginalSize, res.CompressedSize, len(data), len(res.Data))
	}
	want := float64(res.OriginalSize-res.CompressedSize) * 100 / float64(res.OriginalSize)
	if res.CompressionRatio != want {
		t.Errorf("CompressionRatio = %v, want %v", res.CompressionRatio, want)
	}
	if _, _, err := image.Decode(bytes.NewReader(res.Data)); err != nil {
		t.Errorf("output does not decode: %v", err)
	}
}

func TestCompressImageResizesToBounds(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())

	res, err := c.Compress(context.Background(), Request{
		File:    File{Name: "wide.png", Type: "image/png", Data: flatPNG(t, 2400, 1200)},
		Options: Options{TargetSize: 100, MaxAttempts: 2},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if res.Width != 1920 || res.Height != 960 {
		t.Errorf("output = %dx%d, want 1920x960", res.Width, res.Height)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decode output config: %v", err)
	}
	if cfg.Width != 1920 || cfg.Height != 960 {
		t.Errorf("encoded = %dx%d, want 1920x960", cfg.Width, cfg.Height)
	}
}

func TestCompressStoryProfile(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())

	res, err := c.Compress(context.Background(), Request{
		File:    File{Name: "story.png", Type: "image/png", Data: flatPNG(t, 1500, 3000)},
		Options: Options{Story: true, TargetSize: 100},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if res.Width != 960 || res.Height != 1920 {
		t.Errorf("output = %dx%d, want 960x1920", res.Width, res.Height)
	}
	if res.AttemptsUsed > DefaultProfiles().Story.MaxAttempts {
		t.Errorf("AttemptsUsed = %d exceeds story profile cap", res.AttemptsUsed)
	}
}

func TestCompressWebPOutput(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())

	res, err := c.Compress(context.Background(), Request{
		File:    File{Name: "photo.png", Type: "image/png", Data: noisePNG(t, 200, 150)},
		Options: Options{TargetSize: 1, MaxAttempts: 2, Format: "webp"},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if res.MIMEType != "image/webp" || res.Name != "photo.webp" {
		t.Errorf("got %q %q, want image/webp photo.webp", res.MIMEType, res.Name)
	}
}

func TestCompressShortCircuitsSmallInput(t *testing.T) {
	stats := statistics.NewStatistics()
	c := NewDefaultCompressor(quietLogger(), WithStatistics(stats))
	data := flatPNG(t, 64, 64)

	res, err := c.Compress(context.Background(), Request{
		File: File{Name: "icon.png", Type: "image/png", Data: data},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !bytes.Equal(res.Data, data) {
		t.Error("output differs from input")
	}
	if res.AttemptsUsed != 0 || res.CompressionRatio != 0 {
		t.Errorf("attempts = %d ratio = %v, want 0 and 0", res.AttemptsUsed, res.CompressionRatio)
	}
	if res.Name != "icon.png" || res.MIMEType != "image/png" {
		t.Errorf("got %q %q, want unchanged name and type", res.Name, res.MIMEType)
	}
	if stats.ShortCircuited != 1 {
		t.Errorf("ShortCircuited = %d, want 1", stats.ShortCircuited)
	}
}

func TestCompressIsIdempotent(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())

	first, err := c.Compress(context.Background(), Request{
		File:    File{Name: "a.png", Type: "image/png", Data: noisePNG(t, 320, 240)},
		Options: Options{TargetSize: 40 * 1024},
	})
	if err != nil {
		t.Fatalf("first Compress() error = %v", err)
	}

	second, err := c.Compress(context.Background(), Request{
		File:    File{Name: first.Name, Type: first.MIMEType, Data: first.Data},
		Options: Options{TargetSize: 40 * 1024},
	})
	if err != nil {
		t.Fatalf("second Compress() error = %v", err)
	}
	if second.AttemptsUsed != 0 {
		t.Errorf("recompressing needed %d attempts, want 0", second.AttemptsUsed)
	}
}

func TestCompressRejectsUnsupportedType(t *testing.T) {
	sink := &recordingSink{}
	c := NewDefaultCompressor(quietLogger())

	res, err := c.Compress(context.Background(), Request{
		File:     File{Name: "doc.pdf", Type: "application/pdf", Data: []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")},
		Progress: sink,
	})
	if !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("error = %v, want ErrUnsupportedMediaType", err)
	}
	if res != nil {
		t.Error("expected no partial output")
	}
	updates := sink.snapshot()
	if len(updates) == 0 || updates[len(updates)-1].Phase != progress.PhaseError {
		t.Errorf("expected final error update, got %+v", updates)
	}
}

func TestCompressInvalidInput(t *testing.T) {
	c := NewDefaultCompressor(quietLogger(), WithMaxPixels(100))

	tests := []struct {
		name string
		req  Request
	}{
		{"empty file", Request{File: File{Name: "empty.jpg", Type: "image/jpeg"}}},
		{"corrupt image", Request{
			File:    File{Name: "bad.jpg", Type: "image/jpeg", Data: []byte("not really a jpeg")},
			Options: Options{TargetSize: 1},
		}},
		{"too many pixels", Request{
			File:    File{Name: "big.png", Type: "image/png", Data: flatPNG(t, 20, 20)},
			Options: Options{TargetSize: 1},
		}},
		{"unknown format", Request{
			File:    File{Name: "a.png", Type: "image/png", Data: flatPNG(t, 8, 8)},
			Options: Options{TargetSize: 1, Format: "gif"},
		}},
		{"quality out of range", Request{
			File:    File{Name: "a.png", Type: "image/png", Data: flatPNG(t, 8, 8)},
			Options: Options{TargetSize: 1, Quality: 1.5},
		}},
		{"unknown strategy", Request{
			File:    File{Name: "a.png", Type: "image/png", Data: flatPNG(t, 8, 8)},
			Options: Options{TargetSize: 1, Strategy: "random"},
		}},
		{"negative target", Request{
			File:    File{Name: "a.png", Type: "image/png", Data: flatPNG(t, 8, 8)},
			Options: Options{TargetSize: -5},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compress(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
			if KindOf(err) != KindInvalidInput {
				t.Errorf("KindOf() = %v, want %v", KindOf(err), KindInvalidInput)
			}
		})
	}
}

func TestCompressProgressForImage(t *testing.T) {
	sink := &recordingSink{}
	c := NewDefaultCompressor(quietLogger())

	_, err := c.Compress(context.Background(), Request{
		ID:       "req-1",
		File:     File{Name: "p.png", Type: "image/png", Data: noisePNG(t, 64, 64)},
		Options:  Options{TargetSize: 1, MaxAttempts: 2},
		Progress: sink,
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	updates := sink.snapshot()
	last := updates[len(updates)-1]
	if last.Phase != progress.PhaseCompleted || last.Percent != 100 || last.ID != "req-1" {
		t.Errorf("final update = %+v, want completed 100 for req-1", last)
	}
	for _, u := range updates[:len(updates)-1] {
		if u.Percent != 0 {
			t.Errorf("image progress should jump from 0 to 100, saw %d", u.Percent)
		}
	}
}

func TestCompressUsesCache(t *testing.T) {
	stats := statistics.NewStatistics()
	c := NewDefaultCompressor(quietLogger(),
		WithCache(NewResultCache(8, 1<<20, time.Minute)),
		WithStatistics(stats))
	req := Request{
		File:    File{Name: "dup.png", Type: "image/png", Data: noisePNG(t, 96, 96)},
		Options: Options{TargetSize: 1, MaxAttempts: 2},
	}

	first, err := c.Compress(context.Background(), req)
	if err != nil {
		t.Fatalf("first Compress() error = %v", err)
	}
	second, err := c.Compress(context.Background(), req)
	if err != nil {
		t.Fatalf("second Compress() error = %v", err)
	}

	if first.Cached || !second.Cached {
		t.Errorf("Cached = %v/%v, want false/true", first.Cached, second.Cached)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("cached result differs")
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.CacheHits, stats.CacheMisses)
	}

	req.Options.Format = "png"
	third, err := c.Compress(context.Background(), req)
	if err != nil {
		t.Fatalf("third Compress() error = %v", err)
	}
	if third.Cached {
		t.Error("different options must not hit the cache")
	}
}

type scriptedEngine struct {
	events []float64
	output []byte
	err    error
	calls  atomic.Int32
}

func (s *scriptedEngine) Transcode(ctx context.Context, input []byte, opts engine.Options, onProgress engine.ProgressFunc) ([]byte, string, error) {
	s.calls.Add(1)
	for _, p := range s.events {
		onProgress(p)
	}
	if s.err != nil {
		return nil, "", s.err
	}
	return s.output, "video/mp4", nil
}

func (s *scriptedEngine) Close() error { return nil }

func loaderFor(e engine.Engine) *engine.Loader {
	return engine.NewLoader(func(ctx context.Context) (engine.Engine, error) {
		return e, nil
	})
}

func videoRequest(sink progress.Sink) Request {
	return Request{
		File:     File{Name: "clip.mov", Type: "video/quicktime", Data: bytes.Repeat([]byte{1}, 4096)},
		Options:  Options{TargetSize: 1},
		Progress: sink,
	}
}

func TestCompressVideoForwardsProgress(t *testing.T) {
	eng := &scriptedEngine{
		events: []float64{10, 50, 30, 120, 80},
		output: []byte("transcoded"),
	}
	sink := &recordingSink{}
	c := NewDefaultCompressor(quietLogger(), WithVideoEngine(loaderFor(eng)))

	res, err := c.Compress(context.Background(), videoRequest(sink))
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if string(res.Data) != "transcoded" || res.MIMEType != "video/mp4" || res.Name != "clip.mp4" {
		t.Errorf("result = %q %q %q", res.Data, res.MIMEType, res.Name)
	}

	prev := 0
	for _, u := range sink.snapshot() {
		if u.Percent < prev || u.Percent > 100 {
			t.Fatalf("progress regressed or overflowed: %d after %d", u.Percent, prev)
		}
		prev = u.Percent
	}
	if prev != 100 {
		t.Errorf("final percent = %d, want 100", prev)
	}
}

func TestCompressDoesNotCacheVideo(t *testing.T) {
	eng := &scriptedEngine{output: []byte("transcoded")}
	cache := NewResultCache(8, 1<<20, time.Minute)
	c := NewDefaultCompressor(quietLogger(), WithVideoEngine(loaderFor(eng)), WithCache(cache))

	for i := 0; i < 2; i++ {
		res, err := c.Compress(context.Background(), videoRequest(nil))
		if err != nil {
			t.Fatalf("Compress() error = %v", err)
		}
		if res.Cached {
			t.Error("video result served from cache")
		}
	}
	if got := eng.calls.Load(); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
	if s := cache.Stats(); s.Size != 0 || s.TotalQueries != 0 {
		t.Errorf("cache stats = %+v, want untouched", s)
	}
}

func TestCompressZeroTargetEncodesOnce(t *testing.T) {
	profiles := DefaultProfiles()
	profiles.Image.TargetSize = 0
	c := NewDefaultCompressor(quietLogger(), WithProfiles(profiles))

	res, err := c.Compress(context.Background(), Request{
		File:    File{Name: "a.png", Type: "image/png", Data: noisePNG(t, 160, 120)},
		Options: Options{Format: "jpeg", MaxAttempts: 10},
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if res.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want a single encode without a target", res.AttemptsUsed)
	}
}

func TestCompressVideoFallsBackWhenEngineUnavailable(t *testing.T) {
	stats := statistics.NewStatistics()
	loader := engine.NewLoader(func(ctx context.Context) (engine.Engine, error) {
		return nil, errors.New("ffmpeg not found")
	})
	c := NewDefaultCompressor(quietLogger(), WithVideoEngine(loader), WithStatistics(stats))
	req := videoRequest(nil)

	res, err := c.Compress(context.Background(), req)
	if err != nil {
		t.Fatalf("Compress() error = %v, want graceful fallback", err)
	}
	if !res.PassedThrough || res.Warning == "" {
		t.Errorf("expected pass-through with warning, got %+v", res)
	}
	if !bytes.Equal(res.Data, req.File.Data) {
		t.Error("fallback output differs from input")
	}
	if stats.EngineFallbacks != 1 {
		t.Errorf("EngineFallbacks = %d, want 1", stats.EngineFallbacks)
	}
}

func TestCompressVideoWithoutEngine(t *testing.T) {
	c := NewDefaultCompressor(quietLogger())

	res, err := c.Compress(context.Background(), videoRequest(nil))
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !res.PassedThrough {
		t.Error("expected pass-through when no engine is configured")
	}
}

func TestCompressVideoErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", fmt.Errorf("%w after 1s", engine.ErrTimeout), ErrTimeout},
		{"execution", fmt.Errorf("%w: exit status 1", engine.ErrExecution), ErrEngineExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefaultCompressor(quietLogger(), WithVideoEngine(loaderFor(&scriptedEngine{err: tt.err})))
			res, err := c.Compress(context.Background(), videoRequest(nil))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Error("expected no partial output")
			}
		})
	}
}

func TestCompressVideoEngineInitializedOnce(t *testing.T) {
	release := make(chan struct{})
	var inits atomic.Int32
	eng := &scriptedEngine{output: []byte("ok")}
	loader := engine.NewLoader(func(ctx context.Context) (engine.Engine, error) {
		inits.Add(1)
		<-release
		return eng, nil
	})
	c := NewDefaultCompressor(quietLogger(), WithVideoEngine(loader))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Compress(context.Background(), videoRequest(nil))
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	if eng.calls.Load() != 0 {
		t.Fatal("transcode started before initialization completed")
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if inits.Load() != 1 {
		t.Errorf("initializations = %d, want 1", inits.Load())
	}
	if eng.calls.Load() != 2 {
		t.Errorf("transcodes = %d, want 2", eng.calls.Load())
	}
}

func TestCompressCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewDefaultCompressor(quietLogger())

	_, err := c.Compress(ctx, Request{
		File:    File{Name: "p.png", Type: "image/png", Data: noisePNG(t, 32, 32)},
		Options: Options{TargetSize: 1},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		name, mime, want string
	}{
		{"photo.png", "image/jpeg", "photo.jpg"},
		{"photo.JPEG", "image/jpeg", "photo.JPEG"},
		{"photo.jpg", "image/webp", "photo.webp"},
		{"clip.mov", "video/mp4", "clip.mp4"},
		{"noext", "image/png", "noext.png"},
		{"archive.tar.gz", "application/gzip", "archive.tar.gz"},
		{"", "image/jpeg", ""},
	}
	for _, tt := range tests {
		if got := outputName(tt.name, tt.mime); got != tt.want {
			t.Errorf("outputName(%q, %q) = %q, want %q", tt.name, tt.mime, got, tt.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("upload: %w", errorf(KindEncode, "encode candidate", "no output"))
	if !errors.Is(err, ErrEncode) {
		t.Error("wrapped error should match ErrEncode")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("wrapped error should not match ErrTimeout")
	}
	if KindOf(err) != KindEncode {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindEncode)
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf() of a plain error should be 0")
	}
	if got := KindTimeout.String(); got != "timeout" {
		t.Errorf("KindTimeout.String() = %q", got)
	}
}
