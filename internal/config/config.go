package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// defaultCheckChunkSize is the number of hashes per existence-check
	// request, matching the remote API's batch limit.
	defaultCheckChunkSize = 50

	// defaultCheckConcurrency is the number of existence-check requests
	// allowed in flight at once.
	defaultCheckConcurrency = 100

	// defaultUploadConcurrency is the number of image uploads allowed in
	// flight at once. Uploads carry full payloads, so the window is much
	// smaller than the existence-check window.
	defaultUploadConcurrency = 10
)

// Config holds all environment-based configuration for examsync.
type Config struct {
	// Remote store endpoint (required) and auth token sent as a Bearer
	// header on every request.
	ServerURL string `env:"EXAMSYNC_SERVER_URL"`
	AuthToken string `env:"EXAMSYNC_AUTH_TOKEN"`

	// Directory for the local database. Defaults to ~/.examsync.
	StateDir string `env:"EXAMSYNC_STATE_DIR"`

	// Directory watched for new scans in watch mode. Empty disables the
	// import watcher.
	ImportDir string `env:"EXAMSYNC_IMPORT_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"EXAMSYNC_DEVICE_NAME"`

	// Existence-check tuning.
	CheckChunkSize   int `env:"EXAMSYNC_CHECK_CHUNK_SIZE" envDefault:"50"`
	CheckConcurrency int `env:"EXAMSYNC_CHECK_CONCURRENCY" envDefault:"100"`

	// CheckMaxRetries bounds existence-check retry rounds. Zero retries
	// forever; exhausted hashes are reported as missing, forcing a safe
	// re-upload.
	CheckMaxRetries int `env:"EXAMSYNC_CHECK_MAX_RETRIES" envDefault:"0"`

	// Upload tuning.
	UploadConcurrency int `env:"EXAMSYNC_UPLOAD_CONCURRENCY" envDefault:"10"`

	// Interval between automatic full syncs in watch mode.
	SyncInterval time.Duration `env:"EXAMSYNC_SYNC_INTERVAL" envDefault:"5m"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "examsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".examsync")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve ImportDir to an absolute path so the watcher's relative-path
	// math is stable regardless of the working directory.
	if cfg.ImportDir != "" {
		absDir, err := filepath.Abs(cfg.ImportDir)
		if err != nil {
			return nil, fmt.Errorf("resolving import dir: %w", err)
		}

		cfg.ImportDir = absDir
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("EXAMSYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("EXAMSYNC_SERVER_URL must be an absolute URL, got %q", c.ServerURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("EXAMSYNC_SERVER_URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.CheckChunkSize < 1 {
		return fmt.Errorf("EXAMSYNC_CHECK_CHUNK_SIZE must be at least 1, got %d", c.CheckChunkSize)
	}

	if c.CheckConcurrency < 1 {
		return fmt.Errorf("EXAMSYNC_CHECK_CONCURRENCY must be at least 1, got %d", c.CheckConcurrency)
	}

	if c.CheckMaxRetries < 0 {
		return fmt.Errorf("EXAMSYNC_CHECK_MAX_RETRIES must not be negative, got %d", c.CheckMaxRetries)
	}

	if c.UploadConcurrency < 1 {
		return fmt.Errorf("EXAMSYNC_UPLOAD_CONCURRENCY must be at least 1, got %d", c.UploadConcurrency)
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("EXAMSYNC_SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	return nil
}

// DatabasePath returns the path of the bbolt database inside StateDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "examsync.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Defaults returns a config with the built-in tuning values filled in,
// for callers constructing a config programmatically (tests, embedding).
func Defaults(serverURL string) *Config {
	return &Config{
		ServerURL:         serverURL,
		CheckChunkSize:    defaultCheckChunkSize,
		CheckConcurrency:  defaultCheckConcurrency,
		UploadConcurrency: defaultUploadConcurrency,
		SyncInterval:      5 * time.Minute,
		Environment:       "development",
	}
}
