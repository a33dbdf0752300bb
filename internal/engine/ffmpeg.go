package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"media-compressor-go/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FFmpegConfig configures the ffmpeg-backed engine.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	// WorkDir is the parent of the engine's temporary workspace.
	WorkDir string
	// Timeout bounds a single transcode. Zero disables it.
	Timeout time.Duration
}

const stderrTail = 2048

// FFmpeg transcodes video by running the ffmpeg binary.
type FFmpeg struct {
	cfg       FFmpegConfig
	log       *logrus.Logger
	workspace string

	processes map[string]*exec.Cmd
	processMu sync.Mutex
}

// NewFFmpegInit returns an InitFunc that locates ffmpeg and ffprobe, checks
// they run, and creates the temporary workspace.
func NewFFmpegInit(cfg FFmpegConfig, log *logrus.Logger) InitFunc {
	return func(ctx context.Context) (Engine, error) {
		return NewFFmpeg(ctx, cfg, log)
	}
}

// NewFFmpeg initializes an FFmpeg engine.
func NewFFmpeg(ctx context.Context, cfg FFmpegConfig, log *logrus.Logger) (*FFmpeg, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if log == nil {
		log = logrus.New()
	}

	ffmpegPath, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrUnavailable, err)
	}
	ffprobePath, err := exec.LookPath(cfg.FFprobePath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe not found: %v", ErrUnavailable, err)
	}
	cfg.FFmpegPath, cfg.FFprobePath = ffmpegPath, ffprobePath

	if out, err := exec.CommandContext(ctx, cfg.FFmpegPath, "-hide_banner", "-version").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg -version: %v: %s", ErrUnavailable, err, tail(out, stderrTail))
	}

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create work dir: %v", ErrUnavailable, err)
		}
	}
	workspace, err := os.MkdirTemp(cfg.WorkDir, "media-compressor-")
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", ErrUnavailable, err)
	}

	log.WithFields(logrus.Fields{
		"ffmpeg":    cfg.FFmpegPath,
		"ffprobe":   cfg.FFprobePath,
		"workspace": workspace,
	}).Info("Video engine initialized")

	return &FFmpeg{
		cfg:       cfg,
		log:       log,
		workspace: workspace,
		processes: make(map[string]*exec.Cmd),
	}, nil
}

// Transcode writes input into the workspace, runs ffmpeg on it and returns
// the MP4 output. Both temporary files are removed before returning.
func (f *FFmpeg) Transcode(ctx context.Context, input []byte, opts Options, onProgress ProgressFunc) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	id := uuid.NewString()
	inPath := filepath.Join(f.workspace, id+".src")
	outPath := filepath.Join(f.workspace, id+".mp4")
	defer f.removeTemp(inPath)
	defer f.removeTemp(outPath)

	if err := os.WriteFile(inPath, input, 0600); err != nil {
		return nil, "", fmt.Errorf("%w: write input: %v", ErrExecution, err)
	}

	runCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	duration, err := f.probeDuration(runCtx, inPath)
	if err != nil {
		f.log.WithError(err).Debug("ffprobe duration unavailable, progress will only report completion")
	}

	cmd := exec.CommandContext(runCtx, f.cfg.FFmpegPath, buildArgs(inPath, outPath, opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("%w: stdout pipe: %v", ErrExecution, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.processMu.Lock()
	f.processes[id] = cmd
	f.processMu.Unlock()
	defer func() {
		f.processMu.Lock()
		delete(f.processes, id)
		f.processMu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		if ctxErr := f.contextError(ctx, runCtx); ctxErr != nil {
			return nil, "", ctxErr
		}
		metrics.TranscoderJobsTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("%w: start ffmpeg: %v", ErrExecution, err)
	}

	started := time.Now()
	metrics.TranscoderJobsInProgress.Inc()
	defer metrics.TranscoderJobsInProgress.Dec()

	readProgress(stdout, duration, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctxErr := f.contextError(ctx, runCtx); ctxErr != nil {
			return nil, "", ctxErr
		}
		metrics.TranscoderJobsTotal.WithLabelValues("error").Inc()
		f.log.Errorf("FFmpeg stderr: %s", tail(stderr.Bytes(), stderrTail))
		return nil, "", fmt.Errorf("%w: %v", ErrExecution, err)
	}
	metrics.TranscoderJobsTotal.WithLabelValues("success").Inc()
	metrics.TranscoderJobDuration.Observe(time.Since(started).Seconds())

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read output: %v", ErrExecution, err)
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("%w: empty output", ErrExecution)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return out, "video/mp4", nil
}

// contextError reports why a run stopped when the caller canceled or the
// transcode timeout fired, and nil when the failure was ffmpeg's own.
func (f *FFmpeg) contextError(ctx, runCtx context.Context) error {
	switch {
	case ctx.Err() != nil:
		metrics.TranscoderJobsTotal.WithLabelValues("canceled").Inc()
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		metrics.TranscoderJobsTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w after %s", ErrTimeout, f.cfg.Timeout)
	}
	return nil
}

// Close kills running transcodes and removes the workspace.
func (f *FFmpeg) Close() error {
	f.processMu.Lock()
	for id, cmd := range f.processes {
		if cmd.Process != nil {
			f.log.Infof("Killing transcoding process %s", id)
			if err := cmd.Process.Kill(); err != nil {
				f.log.Warnf("failed to kill transcoding process %s: %v", id, err)
			}
		}
	}
	f.processMu.Unlock()

	return os.RemoveAll(f.workspace)
}

// Workspace returns the directory holding temporary buffers.
func (f *FFmpeg) Workspace() string {
	return f.workspace
}

func (f *FFmpeg) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.log.Warnf("failed to remove temporary file %s: %v", path, err)
	}
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// buildArgs assembles the ffmpeg command line for an H.264/AAC MP4 output.
func buildArgs(in, out string, opts Options) []string {
	videoCodec := opts.VideoCodec
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	audioCodec := opts.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	preset := opts.Preset
	if preset == "" {
		preset = "fast"
	}
	audioBitrate := opts.AudioBitrateKbps
	if audioBitrate <= 0 {
		audioBitrate = 128
	}

	args := []string{
		"-hide_banner", "-nostats", "-y",
		"-i", in,
		"-c:v", videoCodec,
		"-preset", preset,
		"-pix_fmt", "yuv420p",
	}

	if opts.MaxWidth > 0 && opts.MaxHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf(
			"scale=w='min(iw,%d)':h='min(ih,%d)':force_original_aspect_ratio=decrease:force_divisible_by=2",
			opts.MaxWidth, opts.MaxHeight))
	}

	if opts.MaxBitrateKbps > 0 {
		args = append(args,
			"-b:v", fmt.Sprintf("%dk", opts.MaxBitrateKbps),
			"-maxrate", fmt.Sprintf("%dk", opts.MaxBitrateKbps),
			"-bufsize", fmt.Sprintf("%dk", opts.MaxBitrateKbps*2),
		)
	} else {
		args = append(args, "-crf", "23")
	}

	args = append(args,
		"-c:a", audioCodec,
		"-b:a", fmt.Sprintf("%dk", audioBitrate),
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-f", "mp4",
		out,
	)
	return args
}

// readProgress consumes ffmpeg -progress output until EOF.
func readProgress(r io.Reader, duration float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if pct, ok := parseProgressLine(scanner.Text(), duration); ok && onProgress != nil {
			onProgress(pct)
		}
	}
	// Drain so ffmpeg never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// parseProgressLine converts one key=value line of ffmpeg progress output
// into a percentage of duration seconds.
func parseProgressLine(line string, duration float64) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports both keys in microseconds.
		if duration <= 0 {
			return 0, false
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		return float64(us) / 1e6 / duration * 100, true
	case "progress":
		if value == "end" {
			return 100, true
		}
	}
	return 0, false
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
