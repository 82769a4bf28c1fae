package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvLookup resolves an environment variable, mirroring os.LookupEnv.
// Injectable so tests can run against a fixed environment.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Defaults for every tunable; a missing variable falls back to these.
const (
	DefaultDBPath       = "./data/queue.sqlite"
	DefaultLeaseTTL     = 120 * time.Second
	DefaultMaxAttempts  = 3
	DefaultAPIPort      = 7070
	DefaultAPIBaseURL   = "http://localhost:7070"
	DefaultPollInterval = 2 * time.Second
	DefaultPhaseTimeout = 10 * time.Minute
	DefaultRunRoot      = "./runs"
	DefaultProvider     = "claude"

	// DefaultStreamDeadline bounds one /tasks/run response.
	DefaultStreamDeadline = 30 * time.Minute
)

// Config carries the runtime settings for the gateway and worker processes.
type Config struct {
	DBPath      string
	LeaseTTL    time.Duration
	MaxAttempts int
	APIPort     int

	APIBaseURL     string
	PollInterval   time.Duration
	WorkerLeaseTTL time.Duration
	PhaseTimeout   time.Duration

	RunRoot        string
	Provider       string
	PromptDir      string
	StreamDeadline time.Duration
}

type loadOptions struct {
	envLookup EnvLookup
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnv overrides the environment lookup used by Load.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// Load builds a Config from the environment. A non-positive value for any
// numeric variable is a startup error rather than a silent fallback.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: DefaultEnvLookup}
	for _, opt := range opts {
		opt(&options)
	}
	env := options.envLookup

	cfg := Config{
		DBPath:         DefaultDBPath,
		LeaseTTL:       DefaultLeaseTTL,
		MaxAttempts:    DefaultMaxAttempts,
		APIPort:        DefaultAPIPort,
		APIBaseURL:     DefaultAPIBaseURL,
		PollInterval:   DefaultPollInterval,
		WorkerLeaseTTL: DefaultLeaseTTL,
		PhaseTimeout:   DefaultPhaseTimeout,
		RunRoot:        DefaultRunRoot,
		Provider:       DefaultProvider,
		StreamDeadline: DefaultStreamDeadline,
	}

	if raw, ok := env("QUEUE_DB_PATH"); ok && strings.TrimSpace(raw) != "" {
		cfg.DBPath = strings.TrimSpace(raw)
	}
	if raw, ok := env("WORKER_API_BASE_URL"); ok && strings.TrimSpace(raw) != "" {
		cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(raw), "/")
	}
	if raw, ok := env("CONDUCTOR_RUN_ROOT"); ok && strings.TrimSpace(raw) != "" {
		cfg.RunRoot = strings.TrimSpace(raw)
	}
	if raw, ok := env("CONDUCTOR_PROVIDER"); ok && strings.TrimSpace(raw) != "" {
		cfg.Provider = strings.TrimSpace(raw)
	}
	if raw, ok := env("CONDUCTOR_PROMPT_DIR"); ok && strings.TrimSpace(raw) != "" {
		cfg.PromptDir = strings.TrimSpace(raw)
	}

	var err error
	if cfg.LeaseTTL, err = durationMS(env, "QUEUE_LEASE_TTL_MS", cfg.LeaseTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = positiveInt(env, "QUEUE_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.APIPort, err = positiveInt(env, "QUEUE_API_PORT", cfg.APIPort); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationMS(env, "WORKER_POLL_MS", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.WorkerLeaseTTL, err = durationMS(env, "WORKER_LEASE_TTL_MS", cfg.WorkerLeaseTTL); err != nil {
		return Config{}, err
	}
	if cfg.PhaseTimeout, err = durationMS(env, "WORKER_PHASE_TIMEOUT_MS", cfg.PhaseTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamDeadline, err = durationMS(env, "CONDUCTOR_STREAM_DEADLINE_MS", cfg.StreamDeadline); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func positiveInt(env EnvLookup, key string, fallback int) (int, error) {
	raw, ok := env(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, value)
	}
	return value, nil
}

func durationMS(env EnvLookup, key string, fallback time.Duration) (time.Duration, error) {
	ms, err := positiveInt(env, key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
