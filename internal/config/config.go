// Package config assembles process settings for the hub and the agent.
//
// Values come from three layers, later layers winning: built-in defaults, an
// optional YAML file named by TABSYNC_CONFIG, and TABSYNC_* environment
// variables. Invalid environment values are logged and ignored.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tabsync/internal/identity"
)

const FileEnv = "TABSYNC_CONFIG"

type Config struct {
	LogLevel string `yaml:"log_level"`
	Hub      Hub    `yaml:"hub"`
	Agent    Agent  `yaml:"agent"`
	Sync     Sync   `yaml:"sync"`
}

type Hub struct {
	Addr               string        `yaml:"addr"`
	StateDSN           string        `yaml:"state_dsn"`
	JWTSecret          string        `yaml:"jwt_secret"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"`
	RateLimitMax       int           `yaml:"rate_limit_max"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	MaxFrameBytes      int64         `yaml:"max_frame_bytes"`
}

type Agent struct {
	HubURL          string            `yaml:"hub_url"`
	Token           string            `yaml:"token"`
	StateDSN        string            `yaml:"state_dsn"`
	Identity        identity.Identity `yaml:"identity"`
	IdentityTimeout time.Duration     `yaml:"identity_timeout"`
}

// Sync tunes the coordinator. Zero values mean the coordinator's defaults.
type Sync struct {
	Debounce           time.Duration `yaml:"debounce"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	EchoWindow         time.Duration `yaml:"echo_window"`
	TransitionDuration time.Duration `yaml:"transition_duration"`
	HydrateTimeout     time.Duration `yaml:"hydrate_timeout"`
	MaxEntries         int           `yaml:"max_entries"`
	EvictionPercent    float64       `yaml:"eviction_percent"`
	MaxAge             time.Duration `yaml:"max_age"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MemoryThreshold    uint64        `yaml:"memory_threshold"`
	MemoryInterval     time.Duration `yaml:"memory_interval"`
	MaxArrayLength     int           `yaml:"max_array_length"`
	OutboxCapacity     int           `yaml:"outbox_capacity"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Hub: Hub{
			Addr:            ":8080",
			InternalMaxSkew: 5 * time.Minute,
			RateLimitWindow: time.Minute,
		},
		Agent: Agent{
			StateDSN:        "memory://",
			IdentityTimeout: identity.DefaultTimeout,
		},
	}
}

// Loader reads configuration. Lookup defaults to os.LookupEnv and ReadFile
// to os.ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
	Logger   zerolog.Logger
}

func Load(logger zerolog.Logger) (Config, error) {
	return Loader{Logger: logger}.Load()
}

func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}
	cfg := Default()
	if path, ok := l.Lookup(FileEnv); ok && strings.TrimSpace(path) != "" {
		data, err := l.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	l.applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func (l Loader) applyEnv(cfg *Config) {
	e := envReader{lookup: l.Lookup, logger: l.Logger}

	cfg.LogLevel = e.stringEnv("TABSYNC_LOG_LEVEL", cfg.LogLevel)

	cfg.Hub.Addr = e.stringEnv("TABSYNC_ADDR", cfg.Hub.Addr)
	cfg.Hub.StateDSN = e.stringEnv("TABSYNC_STATE_DSN", cfg.Hub.StateDSN)
	cfg.Hub.JWTSecret = e.stringEnv("TABSYNC_JWT_SECRET", cfg.Hub.JWTSecret)
	cfg.Hub.InternalHMACSecret = e.stringEnv("TABSYNC_INTERNAL_HMAC_SECRET", cfg.Hub.InternalHMACSecret)
	cfg.Hub.InternalMaxSkew = e.durationEnv("TABSYNC_INTERNAL_MAX_SKEW", cfg.Hub.InternalMaxSkew)
	cfg.Hub.RateLimitMax = e.intEnv("TABSYNC_RATE_LIMIT_MAX", cfg.Hub.RateLimitMax)
	cfg.Hub.RateLimitWindow = e.durationEnv("TABSYNC_RATE_LIMIT_WINDOW", cfg.Hub.RateLimitWindow)
	cfg.Hub.MaxBodyBytes = e.int64Env("TABSYNC_MAX_BODY_BYTES", cfg.Hub.MaxBodyBytes)
	cfg.Hub.MaxFrameBytes = e.int64Env("TABSYNC_MAX_FRAME_BYTES", cfg.Hub.MaxFrameBytes)

	cfg.Agent.HubURL = e.stringEnv("TABSYNC_HUB_URL", cfg.Agent.HubURL)
	cfg.Agent.Token = e.stringEnv("TABSYNC_TOKEN", cfg.Agent.Token)
	cfg.Agent.StateDSN = e.stringEnv("TABSYNC_AGENT_STATE_DSN", cfg.Agent.StateDSN)
	cfg.Agent.Identity.ContextID = e.stringEnv("TABSYNC_CONTEXT_ID", cfg.Agent.Identity.ContextID)
	cfg.Agent.Identity.InstanceID = e.stringEnv("TABSYNC_INSTANCE_ID", cfg.Agent.Identity.InstanceID)
	cfg.Agent.Identity.BoundaryID = e.stringEnv("TABSYNC_BOUNDARY_ID", cfg.Agent.Identity.BoundaryID)
	cfg.Agent.IdentityTimeout = e.durationEnv("TABSYNC_IDENTITY_TIMEOUT", cfg.Agent.IdentityTimeout)

	cfg.Sync.Debounce = e.durationEnv("TABSYNC_DEBOUNCE", cfg.Sync.Debounce)
	cfg.Sync.AckTimeout = e.durationEnv("TABSYNC_ACK_TIMEOUT", cfg.Sync.AckTimeout)
	cfg.Sync.EchoWindow = e.durationEnv("TABSYNC_ECHO_WINDOW", cfg.Sync.EchoWindow)
	cfg.Sync.TransitionDuration = e.durationEnv("TABSYNC_TRANSITION_DURATION", cfg.Sync.TransitionDuration)
	cfg.Sync.HydrateTimeout = e.durationEnv("TABSYNC_HYDRATE_TIMEOUT", cfg.Sync.HydrateTimeout)
	cfg.Sync.MaxEntries = e.intEnv("TABSYNC_MAX_ENTRIES", cfg.Sync.MaxEntries)
	cfg.Sync.EvictionPercent = e.floatEnv("TABSYNC_EVICTION_PERCENT", cfg.Sync.EvictionPercent)
	cfg.Sync.MaxAge = e.durationEnv("TABSYNC_MAX_AGE", cfg.Sync.MaxAge)
	cfg.Sync.SweepInterval = e.durationEnv("TABSYNC_SWEEP_INTERVAL", cfg.Sync.SweepInterval)
	cfg.Sync.MemoryThreshold = uint64(e.int64Env("TABSYNC_MEMORY_THRESHOLD", int64(cfg.Sync.MemoryThreshold)))
	cfg.Sync.MemoryInterval = e.durationEnv("TABSYNC_MEMORY_INTERVAL", cfg.Sync.MemoryInterval)
	cfg.Sync.MaxArrayLength = e.intEnv("TABSYNC_MAX_ARRAY_LENGTH", cfg.Sync.MaxArrayLength)
	cfg.Sync.OutboxCapacity = e.intEnv("TABSYNC_OUTBOX_CAPACITY", cfg.Sync.OutboxCapacity)
}

// Validate rejects settings no component could run with.
func (c Config) Validate() error {
	var problems []string
	if c.Hub.RateLimitMax < 0 {
		problems = append(problems, "hub.rate_limit_max must not be negative")
	}
	if c.Sync.MaxEntries < 0 {
		problems = append(problems, "sync.max_entries must not be negative")
	}
	if c.Sync.EvictionPercent < 0 || c.Sync.EvictionPercent > 1 {
		problems = append(problems, "sync.eviction_percent must be within [0, 1]")
	}
	if c.Sync.MaxArrayLength < 0 {
		problems = append(problems, "sync.max_array_length must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"sync.debounce":            c.Sync.Debounce,
		"sync.ack_timeout":         c.Sync.AckTimeout,
		"sync.transition_duration": c.Sync.TransitionDuration,
		"sync.max_age":             c.Sync.MaxAge,
	} {
		if d < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(sortedCopy(problems), "; "))
	}
	return nil
}
