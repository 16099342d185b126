package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the per-service quota table once
// the loader resolves inline and file-sourced definitions.
type Config struct {
	Server   ServerConfig                  `koanf:"server"`
	Services map[string]ServiceQuotaConfig `koanf:"services"`

	// InlineServices preserves the quota entries that came from the main
	// configuration document so quota-file reloads can re-layer on top of
	// them without losing inline definitions.
	InlineServices map[string]ServiceQuotaConfig `koanf:"-"`

	// QuotaSource records the external quota file that contributed service
	// definitions, when one is configured. Excluded from koanf so the value
	// only reflects runtime discovery.
	QuotaSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the composition root.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Providers ProvidersConfig `koanf:"providers"`
	Store     StoreConfig     `koanf:"store"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig bounds the in-process result cache.
type CacheConfig struct {
	MaxMemoryMB             int `koanf:"maxMemoryMB"`
	MaxItemKB               int `koanf:"maxItemKB"`
	SweepIntervalSeconds    int `koanf:"sweepIntervalSeconds"`
	PressureIntervalSeconds int `koanf:"pressureIntervalSeconds"`
	DefaultTTLSeconds       int `koanf:"defaultTTLSeconds"`
}

// RateLimitConfig shapes the admission queue and its global pacing tier.
type RateLimitConfig struct {
	GlobalPerSecond  float64 `koanf:"globalPerSecond"`
	GlobalBurst      int     `koanf:"globalBurst"`
	PollIntervalMs   int     `koanf:"pollIntervalMs"`
	CoalesceWindowMs int     `koanf:"coalesceWindowMs"`
	// QuotaFile optionally points at an external yaml/json/toml document
	// holding the per-service quota table. When set the file is layered
	// over inline definitions and watched for changes.
	QuotaFile string `koanf:"quotaFile"`
}

// SchedulerConfig bounds the memory-pressure batch scheduler.
type SchedulerConfig struct {
	MemoryLimitMB         int `koanf:"memoryLimitMB"`
	SampleIntervalSeconds int `koanf:"sampleIntervalSeconds"`
	HistoryLimit          int `koanf:"historyLimit"`
	BatchDelayMs          int `koanf:"batchDelayMs"`
}

// ProvidersConfig selects and configures the AI provider backend.
type ProvidersConfig struct {
	Backend string       `koanf:"backend"`
	Gemini  GeminiConfig `koanf:"gemini"`
}

// GeminiConfig carries credentials and model selection for the Gemini backend.
type GeminiConfig struct {
	APIKey         string `koanf:"apiKey"`
	Model          string `koanf:"model"`
	EmbedModel     string `koanf:"embedModel"`
	EmbedDimension int    `koanf:"embedDimension"`
}

// StoreConfig selects the durable result store backend.
type StoreConfig struct {
	Backend    string       `koanf:"backend"`
	TTLSeconds int          `koanf:"ttlSeconds"`
	Valkey     ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig addresses the valkey/redis deployment backing the result store.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ServiceQuotaConfig describes one downstream service's admission window.
type ServiceQuotaConfig struct {
	WindowMs    int `koanf:"windowMs"`
	MaxRequests int `koanf:"maxRequests"`
}

// Window returns the quota window as a duration.
func (s ServiceQuotaConfig) Window() time.Duration {
	return time.Duration(s.WindowMs) * time.Millisecond
}

// DefaultConfig returns the baseline configuration applied before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Cache: CacheConfig{
				MaxMemoryMB:             100,
				MaxItemKB:               1024,
				SweepIntervalSeconds:    60,
				PressureIntervalSeconds: 30,
				DefaultTTLSeconds:       3600,
			},
			RateLimit: RateLimitConfig{
				GlobalPerSecond:  50,
				GlobalBurst:      100,
				PollIntervalMs:   100,
				CoalesceWindowMs: 50,
			},
			Scheduler: SchedulerConfig{
				MemoryLimitMB:         512,
				SampleIntervalSeconds: 5,
				HistoryLimit:          360,
				BatchDelayMs:          100,
			},
			Providers: ProvidersConfig{
				Backend: "gemini",
				Gemini: GeminiConfig{
					Model:          "gemini-2.5-flash",
					EmbedModel:     "gemini-embedding-001",
					EmbedDimension: 768,
				},
			},
			Store: StoreConfig{
				Backend:    "memory",
				TTLSeconds: 86400,
			},
		},
		Services: map[string]ServiceQuotaConfig{
			"document":  {WindowMs: 60_000, MaxRequests: 30},
			"llm":       {WindowMs: 60_000, MaxRequests: 60},
			"embedding": {WindowMs: 1_000, MaxRequests: 50},
			"video":     {WindowMs: 300_000, MaxRequests: 5},
		},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port))
	}
	if c.Server.Cache.MaxMemoryMB <= 0 {
		errs = append(errs, errors.New("config: cache maxMemoryMB must be positive"))
	}
	if c.Server.Cache.MaxItemKB <= 0 {
		errs = append(errs, errors.New("config: cache maxItemKB must be positive"))
	}
	if c.Server.Cache.DefaultTTLSeconds <= 0 {
		errs = append(errs, errors.New("config: cache defaultTTLSeconds must be positive"))
	}
	if c.Server.Scheduler.MemoryLimitMB <= 0 {
		errs = append(errs, errors.New("config: scheduler memoryLimitMB must be positive"))
	}
	if c.Server.RateLimit.GlobalPerSecond <= 0 {
		errs = append(errs, errors.New("config: ratelimit globalPerSecond must be positive"))
	}
	switch strings.ToLower(c.Server.Providers.Backend) {
	case "gemini", "stub":
	default:
		errs = append(errs, fmt.Errorf("config: unknown provider backend %q", c.Server.Providers.Backend))
	}
	switch strings.ToLower(c.Server.Store.Backend) {
	case "memory", "valkey":
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Server.Store.Backend))
	}
	if strings.EqualFold(c.Server.Store.Backend, "valkey") && c.Server.Store.Valkey.Address == "" {
		errs = append(errs, errors.New("config: valkey store requires an address"))
	}
	for name, quota := range c.Services {
		if name == "" {
			errs = append(errs, errors.New("config: service quota requires a name"))
			continue
		}
		if quota.WindowMs <= 0 {
			errs = append(errs, fmt.Errorf("config: service %q windowMs must be positive", name))
		}
		if quota.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("config: service %q maxRequests must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func cloneServiceMap(in map[string]ServiceQuotaConfig) map[string]ServiceQuotaConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]ServiceQuotaConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
