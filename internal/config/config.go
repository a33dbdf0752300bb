package config

import (
	"fmt"
	"strings"
	"time"

	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/engine"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Image       ProfileConfig     `mapstructure:"image"`
	Story       ProfileConfig     `mapstructure:"story"`
	Video       VideoConfig       `mapstructure:"video"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ProfileConfig contains still-image compression defaults
type ProfileConfig struct {
	MaxWidth     int     `mapstructure:"max_width"`
	MaxHeight    int     `mapstructure:"max_height"`
	Quality      float64 `mapstructure:"quality"`
	TargetSizeKB int     `mapstructure:"target_size_kb"`
	MaxAttempts  int     `mapstructure:"max_attempts"`
	Format       string  `mapstructure:"format"`
	Strategy     string  `mapstructure:"strategy"`
}

// VideoConfig contains video transcoding settings
type VideoConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path"`
	WorkDir          string        `mapstructure:"work_dir"`
	MaxWidth         int           `mapstructure:"max_width"`
	MaxHeight        int           `mapstructure:"max_height"`
	MaxBitrateKbps   int           `mapstructure:"max_bitrate_kbps"`
	Codec            string        `mapstructure:"codec"`
	AudioCodec       string        `mapstructure:"audio_codec"`
	AudioBitrateKbps int           `mapstructure:"audio_bitrate_kbps"`
	Preset           string        `mapstructure:"preset"`
	TargetSizeMB     int           `mapstructure:"target_size_mb"`
	Timeout          time.Duration `mapstructure:"timeout"` // 0 disables
}

// CacheConfig contains result cache settings
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	MaxMB      int           `mapstructure:"max_mb"`
}

// BatchConfig contains settings for the compress command
type BatchConfig struct {
	OutputDirectory     string   `mapstructure:"output_directory"`
	SupportedExtensions []string `mapstructure:"supported_extensions"`
	KeepLarger          bool     `mapstructure:"keep_larger"`
	// CopyEXIF carries capture tags onto JPEG outputs and skips inputs
	// already marked as compressed. Needs exiftool to copy tags.
	CopyEXIF            bool     `mapstructure:"copy_exif"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads  int `mapstructure:"worker_threads"`
	MaxImagePixels int `mapstructure:"max_image_pixels"`
}

// StorageConfig contains upload storage settings
type StorageConfig struct {
	DatabasePath  string `mapstructure:"database_path"`
	BlobDirectory string `mapstructure:"blob_directory"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port          int   `mapstructure:"port"`
	MaxUploadSize int64 `mapstructure:"max_upload_mb"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Image: ProfileConfig{
			MaxWidth:     1920,
			MaxHeight:    1080,
			Quality:      0.85,
			TargetSizeKB: 1024,
			MaxAttempts:  10,
			Format:       "jpeg",
			Strategy:     string(compressor.StrategyBinary),
		},
		Story: ProfileConfig{
			MaxWidth:     1080,
			MaxHeight:    1920,
			Quality:      0.8,
			TargetSizeKB: 512,
			MaxAttempts:  5,
			Format:       "jpeg",
			Strategy:     string(compressor.StrategyLinear),
		},
		Video: VideoConfig{
			Enabled:          true,
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
			MaxWidth:         1280,
			MaxHeight:        720,
			MaxBitrateKbps:   2500,
			Codec:            "libx264",
			AudioCodec:       "aac",
			AudioBitrateKbps: 128,
			Preset:           "fast",
			TargetSizeMB:     50,
			Timeout:          0,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        30 * time.Minute,
			MaxEntries: 256,
			MaxMB:      256,
		},
		Batch: BatchConfig{
			OutputDirectory: "compressed",
			SupportedExtensions: []string{
				".jpg", ".jpeg", ".png", ".webp", ".gif",
				".mp4", ".mov", ".avi", ".mkv", ".webm",
			},
			KeepLarger: false,
			CopyEXIF:   true,
		},
		Performance: PerformanceConfig{
			WorkerThreads:  4,
			MaxImagePixels: 100_000_000,
		},
		Storage: StorageConfig{
			DatabasePath:  "media-compressor.db",
			BlobDirectory: "uploads",
		},
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: 200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "media-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.media-compressor")
		viper.AddConfigPath("/etc/media-compressor")
	}

	// Enable environment variable support
	viper.SetEnvPrefix("MEDIA_COMPRESSOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(config)

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(c *Config) {
	for name, p := range map[string]ProfileConfig{"image": c.Image, "story": c.Story} {
		viper.SetDefault(name+".max_width", p.MaxWidth)
		viper.SetDefault(name+".max_height", p.MaxHeight)
		viper.SetDefault(name+".quality", p.Quality)
		viper.SetDefault(name+".target_size_kb", p.TargetSizeKB)
		viper.SetDefault(name+".max_attempts", p.MaxAttempts)
		viper.SetDefault(name+".format", p.Format)
		viper.SetDefault(name+".strategy", p.Strategy)
	}

	viper.SetDefault("video.enabled", c.Video.Enabled)
	viper.SetDefault("video.ffmpeg_path", c.Video.FFmpegPath)
	viper.SetDefault("video.ffprobe_path", c.Video.FFprobePath)
	viper.SetDefault("video.work_dir", c.Video.WorkDir)
	viper.SetDefault("video.max_width", c.Video.MaxWidth)
	viper.SetDefault("video.max_height", c.Video.MaxHeight)
	viper.SetDefault("video.max_bitrate_kbps", c.Video.MaxBitrateKbps)
	viper.SetDefault("video.codec", c.Video.Codec)
	viper.SetDefault("video.audio_codec", c.Video.AudioCodec)
	viper.SetDefault("video.audio_bitrate_kbps", c.Video.AudioBitrateKbps)
	viper.SetDefault("video.preset", c.Video.Preset)
	viper.SetDefault("video.target_size_mb", c.Video.TargetSizeMB)
	viper.SetDefault("video.timeout", c.Video.Timeout)

	viper.SetDefault("cache.enabled", c.Cache.Enabled)
	viper.SetDefault("cache.ttl", c.Cache.TTL)
	viper.SetDefault("cache.max_entries", c.Cache.MaxEntries)
	viper.SetDefault("cache.max_mb", c.Cache.MaxMB)

	viper.SetDefault("batch.output_directory", c.Batch.OutputDirectory)
	viper.SetDefault("batch.supported_extensions", c.Batch.SupportedExtensions)
	viper.SetDefault("batch.keep_larger", c.Batch.KeepLarger)
	viper.SetDefault("batch.copy_exif", c.Batch.CopyEXIF)

	viper.SetDefault("performance.worker_threads", c.Performance.WorkerThreads)
	viper.SetDefault("performance.max_image_pixels", c.Performance.MaxImagePixels)

	viper.SetDefault("storage.database_path", c.Storage.DatabasePath)
	viper.SetDefault("storage.blob_directory", c.Storage.BlobDirectory)

	viper.SetDefault("server.port", c.Server.Port)
	viper.SetDefault("server.max_upload_mb", c.Server.MaxUploadSize)

	viper.SetDefault("logging.level", c.Logging.Level)
	viper.SetDefault("logging.format", c.Logging.Format)
	viper.SetDefault("logging.file_path", c.Logging.FilePath)
	viper.SetDefault("logging.max_size", c.Logging.MaxSize)
	viper.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	viper.SetDefault("logging.max_age", c.Logging.MaxAge)
	viper.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if err := c.Image.validate("image", defaults.Image); err != nil {
		return err
	}
	if err := c.Story.validate("story", defaults.Story); err != nil {
		return err
	}

	if c.Video.MaxWidth < 0 || c.Video.MaxHeight < 0 {
		return fmt.Errorf("video max dimensions must not be negative")
	}
	if c.Video.MaxBitrateKbps < 0 || c.Video.AudioBitrateKbps < 0 {
		return fmt.Errorf("video bitrates must not be negative")
	}
	if c.Video.Timeout < 0 {
		return fmt.Errorf("video timeout must not be negative: %s", c.Video.Timeout)
	}
	if c.Video.TargetSizeMB < 0 {
		return fmt.Errorf("video target_size_mb must not be negative")
	}
	if c.Video.FFmpegPath == "" {
		c.Video.FFmpegPath = defaults.Video.FFmpegPath
	}
	if c.Video.FFprobePath == "" {
		c.Video.FFprobePath = defaults.Video.FFprobePath
	}

	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if c.Cache.MaxMB <= 0 {
		c.Cache.MaxMB = defaults.Cache.MaxMB
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative: %s", c.Cache.TTL)
	}

	c.Batch.SupportedExtensions = normalizeExtensions(c.Batch.SupportedExtensions)

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = defaults.Performance.WorkerThreads
	}
	if c.Performance.MaxImagePixels < 0 {
		c.Performance.MaxImagePixels = 0
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = defaults.Server.MaxUploadSize
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

func (p *ProfileConfig) validate(name string, defaults ProfileConfig) error {
	if p.MaxWidth < 0 || p.MaxHeight < 0 {
		return fmt.Errorf("%s max dimensions must not be negative", name)
	}
	if p.Quality <= 0 || p.Quality > 1 {
		return fmt.Errorf("%s quality must be in (0,1], got %v", name, p.Quality)
	}
	if p.TargetSizeKB < 0 {
		return fmt.Errorf("%s target_size_kb must not be negative", name)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	p.Format = strings.ToLower(p.Format)
	switch p.Format {
	case "":
		p.Format = defaults.Format
	case "jpg":
		p.Format = "jpeg"
	case "jpeg", "webp", "png":
	default:
		return fmt.Errorf("invalid %s format: %s (valid: jpeg, webp, png)", name, p.Format)
	}

	p.Strategy = strings.ToLower(p.Strategy)
	switch p.Strategy {
	case "":
		p.Strategy = defaults.Strategy
	case string(compressor.StrategyLinear), string(compressor.StrategyBinary):
	default:
		return fmt.Errorf("invalid %s strategy: %s (valid: linear, binary)", name, p.Strategy)
	}
	return nil
}

func (p ProfileConfig) options() compressor.Options {
	return compressor.Options{
		MaxWidth:    p.MaxWidth,
		MaxHeight:   p.MaxHeight,
		Quality:     p.Quality,
		TargetSize:  int64(p.TargetSizeKB) * 1024,
		MaxAttempts: p.MaxAttempts,
		Format:      p.Format,
		Strategy:    compressor.Strategy(p.Strategy),
	}
}

// Profiles converts the configured sections into compressor defaults.
func (c *Config) Profiles() compressor.Profiles {
	return compressor.Profiles{
		Image: c.Image.options(),
		Story: c.Story.options(),
		Video: compressor.Options{
			MaxWidth:         c.Video.MaxWidth,
			MaxHeight:        c.Video.MaxHeight,
			TargetSize:       int64(c.Video.TargetSizeMB) * 1024 * 1024,
			MaxBitrateKbps:   c.Video.MaxBitrateKbps,
			AudioBitrateKbps: c.Video.AudioBitrateKbps,
			VideoCodec:       c.Video.Codec,
			AudioCodec:       c.Video.AudioCodec,
			Preset:           c.Video.Preset,
		},
	}
}

// FFmpegConfig returns the engine settings for the video section.
func (c *Config) FFmpegConfig() engine.FFmpegConfig {
	return engine.FFmpegConfig{
		FFmpegPath:  c.Video.FFmpegPath,
		FFprobePath: c.Video.FFprobePath,
		WorkDir:     c.Video.WorkDir,
		Timeout:     c.Video.Timeout,
	}
}

// IsSupportedExtension checks if the extension is handled by the compress command
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.Batch.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
