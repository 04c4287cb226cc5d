// Package config loads lazarus settings from a JSON file, LAZARUS_*
// environment variables and a secrets file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Storage  StorageConfig
	Pipeline PipelineConfig
	Watchdog WatchdogConfig
	Index    IndexConfig
	Devpi    DevpiConfig
	AI       AIConfig
	API      APIConfig
	Build    BuildConfig
	Log      LogConfig
}

type StorageConfig struct {
	DataDir string `validate:"required"`
	// BackupDir holds durable patch backups; empty keeps them in memory.
	BackupDir string
}

type PipelineConfig struct {
	Concurrency   int           `validate:"min=1,max=64"`
	LeaseDuration time.Duration `validate:"min=1s"`
	StageTimeout  time.Duration `validate:"min=1s"`
	BuildTimeout  time.Duration `validate:"min=1s"`
	PollInterval  time.Duration `validate:"min=100ms"`
	WorkDir       string
	PythonTarget  string `validate:"required"`
	MaxAttempts   int    `validate:"min=1,max=100"`
	Upload        bool
}

type WatchdogConfig struct {
	Interval    time.Duration `validate:"min=1s"`
	Grace       time.Duration `validate:"min=0"`
	MissedBeats int           `validate:"min=1"`
}

type IndexConfig struct {
	URL            string  `validate:"required,url"`
	RateLimit      float64 `validate:"min=0"`
	TopPackagesURL string  `validate:"omitempty,url"`
}

type DevpiConfig struct {
	URL      string `validate:"omitempty,url"`
	Index    string
	User     string
	Password string
}

type AIConfig struct {
	BaseURL   string `validate:"omitempty,url"`
	Model     string
	MaxTokens int `validate:"min=0"`
	APIKey    string
}

type APIConfig struct {
	Addr  string
	Token string
}

type BuildConfig struct {
	Python       string `validate:"required"`
	DenylistFile string
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Storage: StorageConfig{DataDir: dataDir},
		Pipeline: PipelineConfig{
			Concurrency:   2,
			LeaseDuration: 10 * time.Minute,
			StageTimeout:  2 * time.Minute,
			BuildTimeout:  5 * time.Minute,
			PollInterval:  5 * time.Second,
			PythonTarget:  "3.14",
			MaxAttempts:   3,
		},
		Watchdog: WatchdogConfig{
			Interval:    30 * time.Second,
			Grace:       time.Minute,
			MissedBeats: 12,
		},
		Index: IndexConfig{
			URL:            "https://pypi.org",
			RateLimit:      5,
			TopPackagesURL: "https://hugovk.github.io/top-pypi-packages/top-pypi-packages-30-days.min.json",
		},
		Devpi: DevpiConfig{
			URL:   "http://localhost:3141",
			Index: "lazarus/packages",
			User:  "lazarus",
		},
		AI:    AIConfig{Model: "gpt-4o-mini", MaxTokens: 8192},
		API:   APIConfig{Addr: "127.0.0.1:4140"},
		Build: BuildConfig{Python: "python3"},
		Log:   LogConfig{Level: "info"},
	}
}

// DBPath is the SQLite database inside the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "lazarus.db")
}

// Load reads configuration from the JSON config file, then applies
// LAZARUS_* environment overrides, then fills empty secrets from the
// secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), secretsFile{path: SecretsFilePath()})
}

// secretSource abstracts the secrets file for testing.
type secretSource interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Pipeline.Upload {
		if c.Devpi.URL == "" || c.Devpi.Index == "" || c.Devpi.User == "" {
			return errors.New("missing required config: pipeline.upload needs devpi.url, devpi.index and devpi.user")
		}
		if c.Devpi.Password == "" {
			return errors.New("missing required config: devpi password. " +
				"Set it via environment variable LAZARUS_DEVPI_PASSWORD or `lazarus config set --secret devpi.password`")
		}
	}
	return nil
}
