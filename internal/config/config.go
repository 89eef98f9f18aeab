// Package config loads chatsync settings from ~/.chatsync/config.toml, an
// optional .env file and CHATSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Push transports.
const (
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

// Upload backends.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	// Profile is the default profile when --profile is not given.
	Profile string `toml:"profile" env:"CHATSYNC_PROFILE"`

	API    API    `toml:"api" envPrefix:"CHATSYNC_API_"`
	Push   Push   `toml:"push" envPrefix:"CHATSYNC_PUSH_"`
	Retry  Retry  `toml:"retry" envPrefix:"CHATSYNC_RETRY_"`
	Sync   Sync   `toml:"sync" envPrefix:"CHATSYNC_SYNC_"`
	Upload Upload `toml:"upload" envPrefix:"CHATSYNC_UPLOAD_"`
	Log    Log    `toml:"log" envPrefix:"CHATSYNC_LOG_"`
}

// API is the chat REST service.
type API struct {
	BaseURL string        `toml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
}

// Push is the realtime channel.
type Push struct {
	Transport string `toml:"transport" env:"TRANSPORT"`
	URL       string `toml:"url" env:"URL"`
	// Subject and PublishSubject are used by the NATS transport only.
	Subject        string `toml:"subject" env:"SUBJECT"`
	PublishSubject string `toml:"publish_subject" env:"PUBLISH_SUBJECT"`
	ReadLimit      int64  `toml:"read_limit" env:"READ_LIMIT"`
}

// Retry paces reconnects of the push channel.
type Retry struct {
	MaxRetries int           `toml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay  time.Duration `toml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `toml:"max_delay" env:"MAX_DELAY"`
	Cooldown   time.Duration `toml:"cooldown" env:"COOLDOWN"`
}

// Sync tunes the coordinator.
type Sync struct {
	PageSize          int  `toml:"page_size" env:"PAGE_SIZE"`
	SequentialUploads bool `toml:"sequential_uploads" env:"SEQUENTIAL_UPLOADS"`
}

// Upload selects where attachments go.
type Upload struct {
	Backend     string `toml:"backend" env:"BACKEND"`
	Parallelism int    `toml:"parallelism" env:"PARALLELISM"`
	S3          S3     `toml:"s3" envPrefix:"S3_"`
}

// S3 is an S3 or S3-compatible bucket.
type S3 struct {
	Region     string `toml:"region" env:"REGION"`
	Bucket     string `toml:"bucket" env:"BUCKET"`
	Endpoint   string `toml:"endpoint" env:"ENDPOINT"`
	PublicBase string `toml:"public_base" env:"PUBLIC_BASE"`
	Prefix     string `toml:"prefix" env:"PREFIX"`
	AccessKey  string `toml:"access_key" env:"ACCESS_KEY"`
	SecretKey  string `toml:"secret_key" env:"SECRET_KEY"`
}

// Log controls logging.
type Log struct {
	Level       string `toml:"level" env:"LEVEL"`
	Environment string `toml:"environment" env:"ENVIRONMENT"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL: "http://localhost:3000",
			Timeout: 5 * time.Second,
		},
		Push: Push{
			Transport: TransportWebSocket,
			URL:       "ws://localhost:3000/ws",
			Subject:   "chat.events",
		},
		Retry: Retry{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
			Cooldown:   10 * time.Minute,
		},
		Sync: Sync{PageSize: 20},
		Upload: Upload{
			Backend:     BackendHTTP,
			Parallelism: 4,
		},
		Log: Log{
			Level:       "info",
			Environment: "production",
		},
	}
}

// Load reads config from the given path on top of the defaults. A missing
// file is not an error. A .env file in the working directory and the
// environment override file values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the combined settings.
func (c *Config) Validate() error {
	var problems []error
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		problems = append(problems, fmt.Errorf("api.base_url: %w", err))
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, errors.New("api.timeout must be positive"))
	}

	switch c.Push.Transport {
	case TransportWebSocket:
	case TransportNATS:
		if c.Push.Subject == "" {
			problems = append(problems, errors.New("push.subject is required for nats"))
		}
	default:
		problems = append(problems, fmt.Errorf("push.transport %q: want %s or %s", c.Push.Transport, TransportWebSocket, TransportNATS))
	}
	if c.Push.URL == "" {
		problems = append(problems, errors.New("push.url is required"))
	}

	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay || c.Retry.Cooldown <= 0 {
		problems = append(problems, errors.New("retry: need max_retries >= 0, 0 < base_delay <= max_delay and a positive cooldown"))
	}
	if c.Sync.PageSize <= 0 {
		problems = append(problems, errors.New("sync.page_size must be positive"))
	}

	switch c.Upload.Backend {
	case BackendHTTP:
	case BackendS3:
		if c.Upload.S3.Bucket == "" {
			problems = append(problems, errors.New("upload.s3.bucket is required for s3"))
		}
		if c.Upload.S3.Region == "" && c.Upload.S3.Endpoint == "" {
			problems = append(problems, errors.New("upload.s3 needs a region or an endpoint"))
		}
	default:
		problems = append(problems, fmt.Errorf("upload.backend %q: want %s or %s", c.Upload.Backend, BackendHTTP, BackendS3))
	}
	if c.Upload.Parallelism <= 0 {
		problems = append(problems, errors.New("upload.parallelism must be positive"))
	}
	return errors.Join(problems...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
