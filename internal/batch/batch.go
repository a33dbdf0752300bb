// Package batch compresses files and directory trees on disk with a pool
// of workers.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Action describes what happened to one input file.
type Action string

const (
	ActionCompressed Action = "compressed"
	ActionOriginal   Action = "original"
	ActionDryRun     Action = "dry-run"
	ActionSkipped    Action = "skipped"
	ActionError      Action = "error"
)

// Options controls a batch run.
type Options struct {
	OutputDirectory string
	Extensions      []string
	// KeepLarger writes the compressed output even when it is not smaller
	// than the source.
	KeepLarger bool
	// DryRun compresses in memory and reports projected sizes without
	// writing anything.
	DryRun  bool
	Workers int
	// Compress is applied to every request; zero fields use the profile.
	Compress compressor.Options
	// Metadata carries EXIF tags onto JPEG outputs and detects inputs a
	// previous run already compressed. Nil disables both.
	Metadata Metadata
}

// FileInfo contains information about a file to be compressed.
type FileInfo struct {
	Path    string
	RelPath string
	Size    int64
	ModTime time.Time
}

// Outcome is the result for one file.
type Outcome struct {
	InputPath       string
	OutputPath      string
	Action          Action
	OriginalSize    int64
	CompressedSize  int64
	PercentageSaved float64
	Attempts        int
	Message         string
	Err             error
}

// Summary aggregates a batch run.
type Summary struct {
	Outcomes   []Outcome
	Compressed int
	Original   int
	Skipped    int
	Errors     int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
}

// String returns a short human-readable report.
func (s *Summary) String() string {
	saved := s.BytesIn - s.BytesOut
	pct := 0.0
	if s.BytesIn > 0 {
		pct = float64(saved) * 100 / float64(s.BytesIn)
	}
	return fmt.Sprintf("%d files: %d compressed, %d kept original, %d skipped, %d errors; %s -> %s (%.1f%% saved) in %s",
		len(s.Outcomes), s.Compressed, s.Original, s.Skipped, s.Errors,
		humanize.IBytes(uint64(s.BytesIn)), humanize.IBytes(uint64(s.BytesOut)), pct,
		s.Duration.Round(time.Millisecond))
}

// Processor walks inputs and compresses every supported file.
type Processor struct {
	opts       Options
	compressor compressor.Compressor
	logger     *logrus.Logger
	sink       progress.Sink

	claimMu sync.Mutex
	claimed map[string]struct{}
}

// NewProcessor returns a new Processor. sink may be nil.
func NewProcessor(opts Options, c compressor.Compressor, log *logrus.Logger, sink progress.Sink) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OutputDirectory == "" {
		opts.OutputDirectory = "compressed"
	}
	extensions := make([]string, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions = append(extensions, ext)
	}
	opts.Extensions = extensions

	return &Processor{
		opts:       opts,
		compressor: c,
		logger:     log,
		sink:       sink,
		claimed:    make(map[string]struct{}),
	}
}

// Run compresses every supported file under inputs. Files are processed
// concurrently; the returned outcomes keep discovery order.
func (p *Processor) Run(ctx context.Context, inputs []string) (*Summary, error) {
	start := time.Now()
	p.logger.Info("Starting batch compression")

	files, err := p.discoverFiles(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	summary := &Summary{Outcomes: make([]Outcome, len(files))}
	if len(files) == 0 {
		p.logger.Info("No media files found to compress")
		return summary, nil
	}
	p.logger.Infof("Found %d media files to process", len(files))

	if !p.opts.DryRun {
		if err := os.MkdirAll(p.opts.OutputDirectory, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	pool, err := ants.NewPool(p.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	canceled := func(file FileInfo) Outcome {
		return Outcome{InputPath: file.Path, Action: ActionError, Err: ctx.Err(), Message: ctx.Err().Error()}
	}

	var wg sync.WaitGroup
	for i, file := range files {
		if ctx.Err() != nil {
			summary.Outcomes[i] = canceled(file)
			continue
		}

		i, file := i, file // per-iteration copy; go directive is below 1.22
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				summary.Outcomes[i] = canceled(file)
				return
			}
			summary.Outcomes[i] = p.processFile(ctx, file)
		})
		if err != nil {
			wg.Done()
			p.logger.Errorf("Failed to submit %s: %v", file.Path, err)
			summary.Outcomes[i] = Outcome{InputPath: file.Path, Action: ActionError, Err: err, Message: err.Error()}
		}
	}
	wg.Wait()

	for _, o := range summary.Outcomes {
		switch o.Action {
		case ActionCompressed, ActionDryRun:
			summary.Compressed++
		case ActionOriginal:
			summary.Original++
		case ActionSkipped:
			summary.Skipped++
		case ActionError:
			summary.Errors++
		}
		summary.BytesIn += o.OriginalSize
		summary.BytesOut += o.CompressedSize
	}
	summary.Duration = time.Since(start)

	p.logger.Info("Batch compression completed")
	return summary, ctx.Err()
}

// discoverFiles finds all supported files under inputs, skipping the
// output directory.
func (p *Processor) discoverFiles(inputs []string) ([]FileInfo, error) {
	outAbs, _ := filepath.Abs(p.opts.OutputDirectory)
	var files []FileInfo

	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if !info.IsDir() {
			if p.isSupportedFile(in) {
				files = append(files, FileInfo{Path: in, RelPath: filepath.Base(in), Size: info.Size(), ModTime: info.ModTime()})
			}
			continue
		}

		root := in
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				p.logger.Warnf("Error accessing path %s: %v", path, err)
				return nil
			}
			if info.IsDir() {
				if abs, _ := filepath.Abs(path); abs == outAbs {
					p.logger.Debugf("Skipping output directory: %s", path)
					return filepath.SkipDir
				}
				return nil
			}
			if !p.isSupportedFile(path) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			files = append(files, FileInfo{Path: path, RelPath: rel, Size: info.Size(), ModTime: info.ModTime()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return files, nil
}

// processFile compresses a single file and writes the result.
func (p *Processor) processFile(ctx context.Context, file FileInfo) Outcome {
	log := logger.WithMedia(p.logger, file.Path, "", "batch_compress")
	out := Outcome{InputPath: file.Path, OriginalSize: file.Size}

	fail := func(op string, err error) Outcome {
		log.WithError(err).Errorf("Could not %s", op)
		out.Action = ActionError
		out.Err = err
		out.Message = fmt.Sprintf("%s: %v", op, err)
		return out
	}

	if p.opts.Metadata != nil && isJPEG(file.Path) && p.opts.Metadata.IsCompressed(file.Path) {
		out.Action = ActionSkipped
		out.CompressedSize = file.Size
		out.Message = "Already compressed"
		log.Info("Skipping file already carrying the compressed mark")
		return out
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return fail("read file", err)
	}

	res, err := p.compressor.Compress(ctx, compressor.Request{
		File:     compressor.File{Name: filepath.Base(file.Path), Data: data},
		Options:  p.opts.Compress,
		Progress: p.sink,
	})
	if err != nil {
		return fail("compress", err)
	}

	payload, name := res.Data, res.Name
	out.Action = ActionCompressed
	out.Attempts = res.AttemptsUsed
	out.Message = res.Warning
	if !p.opts.KeepLarger && res.CompressedSize >= res.OriginalSize {
		payload, name = data, filepath.Base(file.Path)
		out.Action = ActionOriginal
		out.Message = "Compressed file not smaller than original, saved original"
	}

	if p.opts.DryRun {
		if out.Action == ActionCompressed {
			out.Action = ActionDryRun
		}
		out.CompressedSize = int64(len(payload))
		if out.OriginalSize > 0 {
			out.PercentageSaved = float64(out.OriginalSize-out.CompressedSize) * 100 / float64(out.OriginalSize)
		}
		out.Message = fmt.Sprintf("DRY-RUN: %s would become %s as %s",
			humanize.IBytes(uint64(out.OriginalSize)), humanize.IBytes(uint64(out.CompressedSize)), name)
		log.Info(out.Message)
		return out
	}

	outPath := p.claimPath(filepath.Join(p.opts.OutputDirectory, filepath.Dir(file.RelPath), name))
	if err := writeAtomic(outPath, payload); err != nil {
		p.releasePath(outPath)
		return fail("write output", err)
	}

	if p.opts.Metadata != nil && out.Action == ActionCompressed && isJPEG(outPath) {
		if err := p.opts.Metadata.CopyTags(file.Path, outPath); err != nil {
			log.WithError(err).Warn("Could not copy EXIF tags")
		}
	}

	out.OutputPath = outPath
	out.CompressedSize = int64(len(payload))
	if out.OriginalSize > 0 {
		out.PercentageSaved = float64(out.OriginalSize-out.CompressedSize) * 100 / float64(out.OriginalSize)
	}
	log.WithFields(logrus.Fields{
		"output":  outPath,
		"action":  out.Action,
		"saved":   fmt.Sprintf("%.1f%%", out.PercentageSaved),
		"attempt": out.Attempts,
	}).Info("File processed")
	return out
}

// claimPath reserves a unique output path by adding a counter. Paths
// claimed earlier in this run and files already on disk are both taken.
func (p *Processor) claimPath(basePath string) string {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	dir := filepath.Dir(basePath)
	name := filepath.Base(basePath)
	ext := filepath.Ext(name)
	nameWithoutExt := strings.TrimSuffix(name, ext)

	candidate := basePath
	for counter := 1; ; counter++ {
		_, taken := p.claimed[candidate]
		if !taken {
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				p.claimed[candidate] = struct{}{}
				return candidate
			}
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameWithoutExt, counter, ext))
	}
}

func (p *Processor) releasePath(path string) {
	p.claimMu.Lock()
	delete(p.claimed, path)
	p.claimMu.Unlock()
}

func isJPEG(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jpg" || ext == ".jpeg"
}

// isSupportedFile returns true if a file extension is supported.
func (p *Processor) isSupportedFile(path string) bool {
	if len(p.opts.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range p.opts.Extensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
