package retry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// configFileName is looked up in the working directory; fields present in
// the file override environment values, and explicit per-call Options
// override both.
const configFileName = "retry-config.json"

type fileConfig struct {
	MaxRetries          *int     `json:"maxRetries,omitempty"`
	InitialDelayMs      *int64   `json:"initialDelayMs,omitempty"`
	MaxDelayMs          *int64   `json:"maxDelayMs,omitempty"`
	Multiplier          *float64 `json:"multiplier,omitempty"`
	Jitter              *string  `json:"jitter,omitempty"`
	MaxRateLimitRetries *int     `json:"maxRateLimitRetries,omitempty"`
	MaxRateLimitWaitMs  *int64   `json:"maxRateLimitWaitMs,omitempty"`
}

// LoadConfig resolves the effective Config: defaults, overlaid with
// RETRY_* environment variables, overlaid with retry-config.json from cwd
// when present. Per-call option structs are merged on top by Run itself.
func LoadConfig(cwd string) Config {
	cfg := DefaultConfig()
	cfg = applyEnv(cfg)
	cfg = applyFile(cfg, filepath.Join(cwd, configFileName))
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.InitialDelayMs = n
		}
	}
	if v := os.Getenv("RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxDelayMs = n
		}
	}
	if v := os.Getenv("RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 1 {
			cfg.Multiplier = f
		}
	}
	switch Jitter(os.Getenv("RETRY_JITTER")) {
	case JitterFull, JitterPartial, JitterNone:
		cfg.Jitter = Jitter(os.Getenv("RETRY_JITTER"))
	}
	if v := os.Getenv("RETRY_MAX_RATE_LIMIT_WAIT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxRateLimitWaitMs = n
		}
	}
	return cfg
}

func applyFile(cfg Config, path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg
	}
	if fc.MaxRetries != nil && *fc.MaxRetries > 0 {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.InitialDelayMs != nil && *fc.InitialDelayMs > 0 {
		cfg.InitialDelayMs = *fc.InitialDelayMs
	}
	if fc.MaxDelayMs != nil && *fc.MaxDelayMs > 0 {
		cfg.MaxDelayMs = *fc.MaxDelayMs
	}
	if fc.Multiplier != nil && *fc.Multiplier > 1 {
		cfg.Multiplier = *fc.Multiplier
	}
	if fc.Jitter != nil {
		switch Jitter(*fc.Jitter) {
		case JitterFull, JitterPartial, JitterNone:
			cfg.Jitter = Jitter(*fc.Jitter)
		}
	}
	if fc.MaxRateLimitRetries != nil && *fc.MaxRateLimitRetries > 0 {
		cfg.MaxRateLimitRetries = *fc.MaxRateLimitRetries
	}
	if fc.MaxRateLimitWaitMs != nil && *fc.MaxRateLimitWaitMs > 0 {
		cfg.MaxRateLimitWaitMs = *fc.MaxRateLimitWaitMs
	}
	return cfg
}
