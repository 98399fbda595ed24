// Package config loads the service configuration. Precedence is
// defaults, then the YAML file, then environment overrides; the result
// is validated before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// Config is the full service configuration.
type Config struct {
	Env      string         `yaml:"env"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	ReadTimeout     schemas.Duration `yaml:"read_timeout"`
	WriteTimeout    schemas.Duration `yaml:"write_timeout"`
	IdleTimeout     schemas.Duration `yaml:"idle_timeout"`
	ShutdownTimeout schemas.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string         `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory | postgres
	DatabaseURL string `yaml:"database_url"`
}

// StorageConfig configures the media root and retention.
type StorageConfig struct {
	BaseDir       string           `yaml:"base_dir"`
	ArchiveURI    string           `yaml:"archive_uri"`
	StockMusicURI string           `yaml:"stock_music_uri"`
	SweepInterval schemas.Duration `yaml:"sweep_interval"`
	Retention     RetentionConfig  `yaml:"retention"`
}

// RetentionConfig mirrors storage.RetentionPolicy in config form.
type RetentionConfig struct {
	TempMaxAge              schemas.Duration `yaml:"temp_max_age"`
	AssetMaxAge             schemas.Duration `yaml:"asset_max_age"`
	VideoMaxAge             schemas.Duration `yaml:"video_max_age"`
	StockMaxAge             schemas.Duration `yaml:"stock_max_age"`
	MaxTotalBytes           int64            `yaml:"max_total_bytes"`
	PreserveCompletedVideos bool             `yaml:"preserve_completed_videos"`
}

// ProviderConfig configures the model provider client.
type ProviderConfig struct {
	BaseURL        string           `yaml:"base_url"`
	APIKey         string           `yaml:"api_key"`
	Voice          string           `yaml:"voice"`
	RequestTimeout schemas.Duration `yaml:"request_timeout"`
	MaxRetries     int              `yaml:"max_retries"`
}

// PipelineConfig bounds the dispatcher and the media tools.
type PipelineConfig struct {
	MaxActiveJobs      int              `yaml:"max_active_jobs"`
	QueueSize          int              `yaml:"queue_size"`
	AssetConcurrency   int              `yaml:"asset_concurrency"`
	JobTimeout         schemas.Duration `yaml:"job_timeout"`
	MaxScriptChars     int              `yaml:"max_script_chars"`
	MinDurationSeconds int              `yaml:"min_duration_seconds"`
	MaxDurationSeconds int              `yaml:"max_duration_seconds"`
	KnownModels        []string         `yaml:"known_models"`
	FFmpegPath         string           `yaml:"ffmpeg_path"`
	FFprobePath        string           `yaml:"ffprobe_path"`
}

// Default returns the configuration used when no file and no overrides
// are present. It describes a single-node deployment with the memory
// store and a local media root.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     schemas.Duration{Duration: 15 * time.Second},
			WriteTimeout:    schemas.Duration{Duration: 15 * time.Second},
			IdleTimeout:     schemas.Duration{Duration: 60 * time.Second},
			ShutdownTimeout: schemas.Duration{Duration: 30 * time.Second},
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: "memory"},
		Storage: StorageConfig{
			BaseDir:       "./media",
			SweepInterval: schemas.Duration{Duration: 15 * time.Minute},
			Retention: RetentionConfig{
				TempMaxAge:              schemas.Duration{Duration: 24 * time.Hour},
				AssetMaxAge:             schemas.Duration{Duration: 7 * 24 * time.Hour},
				StockMaxAge:             schemas.Duration{Duration: 30 * 24 * time.Hour},
				PreserveCompletedVideos: true,
			},
		},
		Provider: ProviderConfig{
			RequestTimeout: schemas.Duration{Duration: 120 * time.Second},
			MaxRetries:     3,
			Voice:          "alloy",
		},
		Pipeline: PipelineConfig{
			MaxActiveJobs:      2,
			QueueSize:          16,
			AssetConcurrency:   4,
			JobTimeout:         schemas.Duration{Duration: 15 * time.Minute},
			MaxScriptChars:     20000,
			MinDurationSeconds: 5,
			MaxDurationSeconds: 600,
			KnownModels:        []string{"gpt-4o", "gpt-4o-mini"},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty, an error when set but unreadable) and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables that commonly differ per
// deployment. YAML stays the home of everything else.
func (c *Config) applyEnv() {
	setString(&c.Env, "APP_ENV")
	setString(&c.Log.Level, "LOG_LEVEL")
	setInt(&c.Server.Port, "PORT")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.BaseDir, "STORAGE_BASE_DIR")
	setString(&c.Storage.ArchiveURI, "STORAGE_ARCHIVE_URI")
	setString(&c.Storage.StockMusicURI, "STOCK_MUSIC_URI")
	setString(&c.Provider.BaseURL, "PROVIDER_BASE_URL")
	setString(&c.Provider.APIKey, "PROVIDER_API_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: postgres store requires database_url")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("config: storage base_dir must not be empty")
	}
	if c.Storage.Retention.MaxTotalBytes < 0 {
		return fmt.Errorf("config: retention max_total_bytes must not be negative")
	}

	p := c.Pipeline
	if p.MaxActiveJobs < 1 {
		return fmt.Errorf("config: max_active_jobs must be at least 1")
	}
	if p.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be at least 1")
	}
	if p.AssetConcurrency < 1 || p.AssetConcurrency > 8 {
		return fmt.Errorf("config: asset_concurrency %d outside 1-8", p.AssetConcurrency)
	}
	if p.JobTimeout.Duration <= 0 {
		return fmt.Errorf("config: job_timeout must be positive")
	}
	if p.MinDurationSeconds < 1 || p.MaxDurationSeconds < p.MinDurationSeconds {
		return fmt.Errorf("config: duration bounds %d-%d are invalid",
			p.MinDurationSeconds, p.MaxDurationSeconds)
	}
	if len(p.KnownModels) == 0 {
		return fmt.Errorf("config: known_models must not be empty")
	}

	return nil
}
