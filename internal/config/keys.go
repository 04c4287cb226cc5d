package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "LAZARUS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backup_dir", typ: kString, env: "LAZARUS_STORAGE_BACKUP_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.BackupDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BackupDir },
	},
	{
		key: "pipeline.concurrency", typ: kInt, env: "LAZARUS_PIPELINE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Concurrency },
	},
	{
		key: "pipeline.lease_duration", typ: kDuration, env: "LAZARUS_PIPELINE_LEASE_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.LeaseDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.LeaseDuration },
	},
	{
		key: "pipeline.stage_timeout", typ: kDuration, env: "LAZARUS_PIPELINE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.build_timeout", typ: kDuration, env: "LAZARUS_PIPELINE_BUILD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BuildTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.BuildTimeout },
	},
	{
		key: "pipeline.poll_interval", typ: kDuration, env: "LAZARUS_PIPELINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollInterval },
	},
	{
		key: "pipeline.work_dir", typ: kString, env: "LAZARUS_PIPELINE_WORK_DIR",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.WorkDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.WorkDir },
	},
	{
		key: "pipeline.python_target", typ: kString, env: "LAZARUS_PIPELINE_PYTHON_TARGET",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PythonTarget = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.PythonTarget },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "LAZARUS_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.upload", typ: kBool, env: "LAZARUS_PIPELINE_UPLOAD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Upload = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Upload },
	},
	{
		key: "watchdog.interval", typ: kDuration, env: "LAZARUS_WATCHDOG_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watchdog.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watchdog.Interval },
	},
	{
		key: "watchdog.grace", typ: kDuration, env: "LAZARUS_WATCHDOG_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Watchdog.Grace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watchdog.Grace },
	},
	{
		key: "watchdog.missed_beats", typ: kInt, env: "LAZARUS_WATCHDOG_MISSED_BEATS",
		apply:   func(cfg *Config, v any) { cfg.Watchdog.MissedBeats = v.(int) },
		extract: func(cfg Config) any { return cfg.Watchdog.MissedBeats },
	},
	{
		key: "index.url", typ: kString, env: "LAZARUS_INDEX_URL",
		apply:   func(cfg *Config, v any) { cfg.Index.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.URL },
	},
	{
		key: "index.rate_limit", typ: kFloat, env: "LAZARUS_INDEX_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Index.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Index.RateLimit },
	},
	{
		key: "index.top_packages_url", typ: kString, env: "LAZARUS_INDEX_TOP_PACKAGES_URL",
		apply:   func(cfg *Config, v any) { cfg.Index.TopPackagesURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.TopPackagesURL },
	},
	{
		key: "devpi.url", typ: kString, env: "LAZARUS_DEVPI_URL",
		apply:   func(cfg *Config, v any) { cfg.Devpi.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Devpi.URL },
	},
	{
		key: "devpi.index", typ: kString, env: "LAZARUS_DEVPI_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Devpi.Index = v.(string) },
		extract: func(cfg Config) any { return cfg.Devpi.Index },
	},
	{
		key: "devpi.user", typ: kString, env: "LAZARUS_DEVPI_USER",
		apply:   func(cfg *Config, v any) { cfg.Devpi.User = v.(string) },
		extract: func(cfg Config) any { return cfg.Devpi.User },
	},
	{
		key: "devpi.password", typ: kString, env: "LAZARUS_DEVPI_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Devpi.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Devpi.Password },
	},
	{
		key: "ai.base_url", typ: kString, env: "LAZARUS_AI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.AI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.BaseURL },
	},
	{
		key: "ai.model", typ: kString, env: "LAZARUS_AI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Model },
	},
	{
		key: "ai.max_tokens", typ: kInt, env: "LAZARUS_AI_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.AI.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.MaxTokens },
	},
	{
		key: "ai.api_key", typ: kString, env: "LAZARUS_AI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.AI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.APIKey },
	},
	{
		key: "api.addr", typ: kString, env: "LAZARUS_API_ADDR",
		apply:   func(cfg *Config, v any) { cfg.API.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Addr },
	},
	{
		key: "api.token", typ: kString, env: "LAZARUS_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "build.python", typ: kString, env: "LAZARUS_BUILD_PYTHON",
		apply:   func(cfg *Config, v any) { cfg.Build.Python = v.(string) },
		extract: func(cfg Config) any { return cfg.Build.Python },
	},
	{
		key: "build.denylist_file", typ: kString, env: "LAZARUS_BUILD_DENYLIST_FILE",
		apply:   func(cfg *Config, v any) { cfg.Build.DenylistFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Build.DenylistFile },
	},
	{
		key: "log.level", typ: kString, env: "LAZARUS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the value type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
