package runtime

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Profile selects a preset limit envelope.
type Profile string

const (
	// ProfileStable is the conservative 4-wide envelope.
	ProfileStable Profile = "stable"
	// ProfileDefault is the standard 8-wide envelope.
	ProfileDefault Profile = "default"
)

// Limits is the admission controller's full limit envelope. A zero value is
// not usable; construct via LimitsForProfile or FromEnv.
type Limits struct {
	MaxTotalActiveRequests     int
	MaxTotalActiveLLM          int
	MaxParallelSubagents       int
	MaxParallelTeams           int
	MaxParallelTeammates       int
	MaxConcurrentOrchestrations int
	MaxConcurrentPerModel      int
	MaxQueueDepth              int

	// DefaultModelRPM seeds the token bucket for models with no explicit
	// rate configuration.
	DefaultModelRPM float64

	// TenantBurst is how many consecutive dispatches one tenant may take
	// before the scheduler skips it once in favor of another tenant.
	TenantBurst int

	CapacityWaitMs int64
	CapacityPollMs int64
	ReservationTTL time.Duration

	AdaptiveEnabled   bool
	PredictiveEnabled bool
	PenaltyMode       string // "legacy" or "enhanced"

	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	RecoveryIntervalMs int64
	ReductionFactor    float64
	RecoveryFactor     float64

	LogLevel string

	// ConfigDir roots learned-limit and checkpoint persistence.
	ConfigDir string
}

// LimitsForProfile returns the preset envelope for a profile; unknown
// profiles fall back to the default one.
func LimitsForProfile(p Profile) Limits {
	width := 8
	if p == ProfileStable {
		width = 4
	}
	return Limits{
		MaxTotalActiveRequests:      width * 2,
		MaxTotalActiveLLM:           width,
		MaxParallelSubagents:        width,
		MaxParallelTeams:            width / 2,
		MaxParallelTeammates:        width * 2,
		MaxConcurrentOrchestrations: width / 2,
		MaxConcurrentPerModel:       width,
		MaxQueueDepth:               256,
		DefaultModelRPM:             600,
		TenantBurst:                 3,
		CapacityWaitMs:              30_000,
		CapacityPollMs:              50,
		ReservationTTL:              30 * time.Second,
		AdaptiveEnabled:             true,
		PredictiveEnabled:           false,
		PenaltyMode:                 "enhanced",
		HeartbeatInterval:           5 * time.Second,
		HeartbeatTimeout:            15 * time.Second,
		RecoveryIntervalMs:          5 * 60 * 1000,
		ReductionFactor:             0.3,
		RecoveryFactor:              0.1,
		LogLevel:                    "info",
		ConfigDir:                   defaultConfigDir(),
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflux"
	}
	return filepath.Join(home, ".agentflux")
}

// FromEnv builds Limits for profile and then applies any recognized
// environment-variable overrides on top.
func FromEnv(p Profile) Limits {
	l := LimitsForProfile(p)

	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envInt64 := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				*dst = f
			}
		}
	}
	envBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	envDurMs := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	envInt("TOTAL_MAX_LLM", &l.MaxTotalActiveLLM)
	envInt("TOTAL_MAX_REQUESTS", &l.MaxTotalActiveRequests)
	envInt("MAX_PARALLEL_SUBAGENTS", &l.MaxParallelSubagents)
	envInt("MAX_PARALLEL_TEAMS", &l.MaxParallelTeams)
	envInt("MAX_PARALLEL_TEAMMATES", &l.MaxParallelTeammates)
	envInt("MAX_CONCURRENT_ORCHESTRATIONS", &l.MaxConcurrentOrchestrations)
	envInt("MAX_CONCURRENT_PER_MODEL", &l.MaxConcurrentPerModel)
	envInt("MAX_TOTAL_CONCURRENT", &l.MaxTotalActiveLLM)

	envBool("ADAPTIVE_ENABLED", &l.AdaptiveEnabled)
	envBool("PREDICTIVE_ENABLED", &l.PredictiveEnabled)
	if v := os.Getenv("ADAPTIVE_PENALTY_MODE"); v == "legacy" || v == "enhanced" {
		l.PenaltyMode = v
	}

	envDurMs("HEARTBEAT_INTERVAL_MS", &l.HeartbeatInterval)
	envDurMs("HEARTBEAT_TIMEOUT_MS", &l.HeartbeatTimeout)
	envInt64("RECOVERY_INTERVAL_MS", &l.RecoveryIntervalMs)
	envFloat("REDUCTION_FACTOR", &l.ReductionFactor)
	envFloat("RECOVERY_FACTOR", &l.RecoveryFactor)

	envInt64("CAPACITY_WAIT_MS", &l.CapacityWaitMs)
	envInt64("CAPACITY_POLL_MS", &l.CapacityPollMs)

	if v := os.Getenv("AGENTFLUX_HOME"); v != "" {
		l.ConfigDir = v
	}
	if v := strings.ToLower(os.Getenv("LOG_LEVEL")); v != "" {
		switch v {
		case "debug", "info", "warn", "error":
			l.LogLevel = v
		}
	}
	return l
}
