package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules
// and layers an external quota file, when configured, over inline services.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForPath(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.maxmemorymb":                   "server.cache.maxMemoryMB",
			"server.cache.maxitemkb":                     "server.cache.maxItemKB",
			"server.cache.sweepintervalseconds":          "server.cache.sweepIntervalSeconds",
			"server.cache.pressureintervalseconds":       "server.cache.pressureIntervalSeconds",
			"server.cache.defaultttlseconds":             "server.cache.defaultTTLSeconds",
			"server.ratelimit.globalpersecond":           "server.ratelimit.globalPerSecond",
			"server.ratelimit.globalburst":               "server.ratelimit.globalBurst",
			"server.ratelimit.pollintervalms":            "server.ratelimit.pollIntervalMs",
			"server.ratelimit.coalescewindowms":          "server.ratelimit.coalesceWindowMs",
			"server.ratelimit.quotafile":                 "server.ratelimit.quotaFile",
			"server.scheduler.memorylimitmb":             "server.scheduler.memoryLimitMB",
			"server.scheduler.sampleintervalseconds":     "server.scheduler.sampleIntervalSeconds",
			"server.scheduler.historylimit":              "server.scheduler.historyLimit",
			"server.scheduler.batchdelayms":              "server.scheduler.batchDelayMs",
			"server.providers.gemini.apikey":             "server.providers.gemini.apiKey",
			"server.providers.gemini.embedmodel":         "server.providers.gemini.embedModel",
			"server.providers.gemini.embeddimension":     "server.providers.gemini.embedDimension",
			"server.store.ttlseconds":                    "server.store.ttlSeconds",
			"server.store.valkey.tls.cafile":             "server.store.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores collapse so LISTEN_PORT becomes listenport
			// when callers choose not to use double underscores for nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.InlineServices = cloneServiceMap(cfg.Services)

	if quotaFile := strings.TrimSpace(cfg.Server.RateLimit.QuotaFile); quotaFile != "" {
		merged, err := loadQuotaFile(quotaFile, cfg.InlineServices)
		if err != nil {
			return Config{}, err
		}
		cfg.Services = merged
		cfg.QuotaSource = quotaFile
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadQuotaFile layers service quota definitions from an external document on
// top of the inline quota table.
func loadQuotaFile(path string, inline map[string]ServiceQuotaConfig) (map[string]ServiceQuotaConfig, error) {
	parser, err := parserForPath(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load quota file %s: %w", path, err)
	}
	var doc struct {
		Services map[string]ServiceQuotaConfig `koanf:"services"`
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal quota file %s: %w", path, err)
	}
	merged := cloneServiceMap(inline)
	if merged == nil {
		merged = make(map[string]ServiceQuotaConfig, len(doc.Services))
	}
	for name, quota := range doc.Services {
		merged[name] = quota
	}
	return merged, nil
}

// parserForPath selects a koanf parser from the file extension.
func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	services := make(map[string]any, len(cfg.Services))
	for name, quota := range cfg.Services {
		services[name] = map[string]any{
			"windowMs":    quota.WindowMs,
			"maxRequests": quota.MaxRequests,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"maxMemoryMB":             cfg.Server.Cache.MaxMemoryMB,
				"maxItemKB":               cfg.Server.Cache.MaxItemKB,
				"sweepIntervalSeconds":    cfg.Server.Cache.SweepIntervalSeconds,
				"pressureIntervalSeconds": cfg.Server.Cache.PressureIntervalSeconds,
				"defaultTTLSeconds":       cfg.Server.Cache.DefaultTTLSeconds,
			},
			"ratelimit": map[string]any{
				"globalPerSecond":  cfg.Server.RateLimit.GlobalPerSecond,
				"globalBurst":      cfg.Server.RateLimit.GlobalBurst,
				"pollIntervalMs":   cfg.Server.RateLimit.PollIntervalMs,
				"coalesceWindowMs": cfg.Server.RateLimit.CoalesceWindowMs,
				"quotaFile":        cfg.Server.RateLimit.QuotaFile,
			},
			"scheduler": map[string]any{
				"memoryLimitMB":         cfg.Server.Scheduler.MemoryLimitMB,
				"sampleIntervalSeconds": cfg.Server.Scheduler.SampleIntervalSeconds,
				"historyLimit":          cfg.Server.Scheduler.HistoryLimit,
				"batchDelayMs":          cfg.Server.Scheduler.BatchDelayMs,
			},
			"providers": map[string]any{
				"backend": cfg.Server.Providers.Backend,
				"gemini": map[string]any{
					"apiKey":         cfg.Server.Providers.Gemini.APIKey,
					"model":          cfg.Server.Providers.Gemini.Model,
					"embedModel":     cfg.Server.Providers.Gemini.EmbedModel,
					"embedDimension": cfg.Server.Providers.Gemini.EmbedDimension,
				},
			},
			"store": map[string]any{
				"backend":    cfg.Server.Store.Backend,
				"ttlSeconds": cfg.Server.Store.TTLSeconds,
				"valkey": map[string]any{
					"address":  cfg.Server.Store.Valkey.Address,
					"username": cfg.Server.Store.Valkey.Username,
					"password": cfg.Server.Store.Valkey.Password,
					"db":       cfg.Server.Store.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Store.Valkey.TLS.CAFile,
					},
				},
			},
		},
		"services": services,
	}
}
