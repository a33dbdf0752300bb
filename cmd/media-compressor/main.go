package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"media-compressor-go/internal/batch"
	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/config"
	"media-compressor-go/internal/engine"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/mediainfo"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/statistics"
	"media-compressor-go/internal/storage"
	"media-compressor-go/internal/web"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	outputDir  string
	dryRun     bool
	verbose    bool
	quiet      bool
	keepLarger bool
	workers    int
	port       int
	noStorage  bool

	quality     float64
	targetKB    int
	maxWidth    int
	maxHeight   int
	maxAttempts int
	format      string
	strategy    string
	story       bool
)

// rootCmd compresses files and directories given as arguments.
var rootCmd = &cobra.Command{
	Use:   "media-compressor [paths...]",
	Short: "Shrink images and videos to fit a size budget",
	Long: `MediaCompressor re-encodes images and videos so they fit a target size
and maximum dimensions before upload.

Features:
- Quality search for JPEG and WebP output (binary or linear)
- Aspect-preserving resize with EXIF orientation applied
- Portrait story profile
- Video transcoding through ffmpeg, with pass-through when it is unavailable
- Dry-run mode for safe testing
- Web API with live progress over WebSocket`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd.Context(), args)
	},
}

// probeCmd shows what the compressor would see for a file.
var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show detected type, dimensions and orientation of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(args[0], story)
	},
}

// engineCheckCmd loads the video engine once and reports the outcome.
var engineCheckCmd = &cobra.Command{
	Use:   "engine-check",
	Short: "Check that the video engine can be loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngineCheck(cmd.Context())
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compression API server",
	Long: `Starts an HTTP server exposing the compressor.

Endpoints:
- POST /api/compress                      compress one upload
- POST /api/galleries/{id}/uploads        compress and store an upload
- GET  /api/galleries/{id}/uploads        list stored uploads
- POST /api/galleries/{id}/prune          remove uploads missing from the feed
- DELETE /api/cache                       drop cached results
- GET  /ws                                live progress
- GET  /metrics                           Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default from config)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compress in memory and report projected sizes without writing files")
	rootCmd.Flags().BoolVar(&keepLarger, "keep-larger", false, "write output even when it is not smaller")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "number of files compressed in parallel")
	rootCmd.Flags().Float64Var(&quality, "quality", 0, "initial encoder quality in (0,1]")
	rootCmd.Flags().IntVar(&targetKB, "target-kb", 0, "target size in KiB")
	rootCmd.Flags().IntVar(&maxWidth, "max-width", 0, "maximum output width")
	rootCmd.Flags().IntVar(&maxHeight, "max-height", 0, "maximum output height")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum encode attempts per image")
	rootCmd.Flags().StringVar(&format, "format", "", "image output format: jpeg, webp or png")
	rootCmd.Flags().StringVar(&strategy, "strategy", "", "quality search: binary or linear")
	rootCmd.Flags().BoolVar(&story, "story", false, "use the portrait story profile")

	probeCmd.Flags().BoolVar(&story, "story", false, "plan against the story profile")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default from config)")
	serveCmd.Flags().BoolVar(&noStorage, "no-storage", false, "disable gallery upload storage")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(engineCheckCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses every supported file under args.
func runCompress(ctx context.Context, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	comp := buildCompressor(cfg, log, stats, false)
	defer comp.Close()

	opts := batch.Options{
		OutputDirectory: cfg.Batch.OutputDirectory,
		Extensions:      cfg.Batch.SupportedExtensions,
		KeepLarger:      cfg.Batch.KeepLarger || keepLarger,
		DryRun:          dryRun,
		Workers:         cfg.Performance.WorkerThreads,
		Compress:        requestOverrides(),
	}
	if outputDir != "" {
		opts.OutputDirectory = outputDir
	}
	if workers > 0 {
		opts.Workers = workers
	}
	if cfg.Batch.CopyEXIF {
		meta := batch.NewMetadata(log)
		defer meta.Close()
		opts.Metadata = meta
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := batch.NewProcessor(opts, comp, log, progress.LogSink{Logger: log})
	summary, err := processor.Run(ctx, args)
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	if !quiet {
		fmt.Println(summary.String())
		fmt.Println("\n" + stats.GetSummary())
		if summary.Errors > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}

	if summary.Errors > 0 {
		return fmt.Errorf("%d files failed", summary.Errors)
	}
	return nil
}

// runProbe prints the detected properties of a file.
func runProbe(filePath string, storyProfile bool) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	profile := cfg.Profiles().Image
	if storyProfile {
		profile = cfg.Profiles().Story
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	fmt.Printf("Probing: %s\n", filePath)
	fmt.Printf("Size: %s\n", humanize.IBytes(uint64(len(data))))
	if cfg.IsSupportedExtension(filepath.Ext(filePath)) {
		fmt.Println("Batch: included by the compress command")
	} else {
		fmt.Printf("Batch: extension %q is skipped by the compress command\n", filepath.Ext(filePath))
	}

	info, err := mediainfo.Probe(data, "")
	fmt.Printf("MIME type: %s\n", info.MIMEType)
	fmt.Printf("Family: %s\n", info.Family)
	if err != nil {
		fmt.Printf("Error reading header: %v\n", err)
		return nil
	}
	if info.Family == mediainfo.FamilyImage {
		fmt.Printf("Dimensions: %dx%d (oriented)\n", info.Width, info.Height)
		fmt.Printf("EXIF orientation: %d\n", info.Orientation)
		fmt.Printf("Megapixels: %.1f\n", float64(info.Pixels())/1e6)
		if info.IsPortrait() {
			fmt.Println("Layout: portrait, suits --story")
		} else {
			fmt.Println("Layout: landscape")
		}

		planned, err := compressor.PlanDimensions(info.Width, info.Height, profile.MaxWidth, profile.MaxHeight)
		if err != nil {
			fmt.Printf("Cannot plan dimensions: %v\n", err)
			return nil
		}
		fmt.Printf("Planned output: %s (bounds %dx%d)\n", planned, profile.MaxWidth, profile.MaxHeight)
	}
	return nil
}

// runEngineCheck initializes the video engine and reports whether it works.
func runEngineCheck(ctx context.Context) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	loader := engine.NewLoader(engine.NewFFmpegInit(cfg.FFmpegConfig(), log))
	defer loader.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := loader.Get(ctx); err != nil {
		logger.WithOperation(log, "engine_check").WithError(err).Warn("Video engine failed to load")
		fmt.Printf("Video engine unavailable: %v\n", err)
		fmt.Println("Videos will be passed through unmodified.")
		return err
	}
	fmt.Printf("Video engine ready (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	comp := buildCompressor(cfg, log, statistics.NewStatistics(), true)
	defer comp.Close()

	var store *storage.Store
	if !noStorage {
		store, err = storage.Open(cfg.Storage.DatabasePath, cfg.Storage.BlobDirectory, log)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
	}

	server := web.NewServer(cfg, log, comp, store)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("🚀 MediaCompressor API started on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("🛑 Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

// buildCompressor wires the compressor from configuration. The video engine
// is only loaded on the first video request. Batch runs see every file once,
// so only the server asks for the result cache.
func buildCompressor(cfg *config.Config, log *logrus.Logger, stats *statistics.Statistics, withCache bool) *compressor.DefaultCompressor {
	opts := []compressor.Option{
		compressor.WithProfiles(cfg.Profiles()),
		compressor.WithStatistics(stats),
		compressor.WithMaxPixels(cfg.Performance.MaxImagePixels),
	}
	if cfg.Video.Enabled {
		opts = append(opts, compressor.WithVideoEngine(engine.NewLoader(engine.NewFFmpegInit(cfg.FFmpegConfig(), log))))
	}
	if withCache && cfg.Cache.Enabled {
		cache := compressor.NewResultCache(cfg.Cache.MaxEntries, int64(cfg.Cache.MaxMB)<<20, cfg.Cache.TTL)
		opts = append(opts, compressor.WithCache(cache))
	}
	return compressor.NewDefaultCompressor(log, opts...)
}

// requestOverrides turns CLI flags into per-request options. Unset flags
// stay zero so the profile applies.
func requestOverrides() compressor.Options {
	return compressor.Options{
		MaxWidth:    maxWidth,
		MaxHeight:   maxHeight,
		Quality:     quality,
		TargetSize:  int64(targetKB) * 1024,
		MaxAttempts: maxAttempts,
		Format:      format,
		Strategy:    compressor.Strategy(strategy),
		Story:       story,
	}
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
