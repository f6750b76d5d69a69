package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Cache     CacheConfig      `yaml:"cache"`
}

// CacheConfig describes the cache request FSM's policy, its storage
// composition tree, its background-revalidation manager, and the
// semantic tier's external dependencies.
type CacheConfig struct {
	Policy      PolicyConfig      `yaml:"policy"`
	Composition CompositionConfig `yaml:"composition"`
	Offload     OffloadConfig     `yaml:"offload"`
	Semantic    SemanticCacheConfig `yaml:"semantic"`
}

// PolicyConfig is the default request cache policy applied to every
// chat completion. stale_policy is one of "return", "revalidate", or
// "offload_revalidate".
type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	Stale             time.Duration `yaml:"stale"`
	StalePolicy       string        `yaml:"stale_policy"`
	Concurrency       int           `yaml:"concurrency"`
	SkipTempAboveZero bool          `yaml:"skip_temp_above_zero"`
}

// CompositionConfig describes the (optional) two-tier storage tree.
// L2 and its read/write/refill policies are only meaningful when L2.Type
// is non-empty; a single-tier cache just configures L1.
type CompositionConfig struct {
	L1     TierConfig `yaml:"l1"`
	L2     TierConfig `yaml:"l2"`
	Read   string     `yaml:"read"`   // "sequential" | "race" | "parallel"
	Write  string     `yaml:"write"`  // "sequential" | "optimistic_parallel" | "race"
	Refill string     `yaml:"refill"` // "always" | "never"
}

// TierConfig names one leaf backend in a composition. Type is one of
// "memory", "ttlcache", or "semantic"; MaxEntries and CleanupInterval
// apply only to the tier types that use them.
type TierConfig struct {
	Type            string        `yaml:"type"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// OffloadConfig configures the background-revalidation task manager
// backing an offload_revalidate stale policy. Timeout is one of "none",
// "cancel", or "warn"; TimeoutAfter is the duration paired with it.
type OffloadConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	Timeout            string        `yaml:"timeout"`
	TimeoutAfter       time.Duration `yaml:"timeout_after"`
	Deduplicate        bool          `yaml:"deduplicate"`
}

type SemanticCacheConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Threshold        float32 `yaml:"threshold"`
	EmbeddingModel   string  `yaml:"embedding_model"`
	EmbeddingURL     string  `yaml:"embedding_url"`
	EmbeddingKey     string  `yaml:"embedding_key"`
	EmbedTimeout     time.Duration `yaml:"embed_timeout"`
	QdrantURL        string  `yaml:"qdrant_url"`
	QdrantAPIKey     string  `yaml:"qdrant_api_key"`
	QdrantCollection string  `yaml:"qdrant_collection"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ProviderConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Models  []string `yaml:"models"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Cache.Policy.TTL == 0 {
		cfg.Cache.Policy.TTL = time.Hour
	}
	if cfg.Cache.Policy.StalePolicy == "" {
		cfg.Cache.Policy.StalePolicy = "return"
	}
	if cfg.Cache.Composition.L1.Type == "" {
		cfg.Cache.Composition.L1.Type = "memory"
	}
	if cfg.Cache.Composition.L1.MaxEntries == 0 {
		cfg.Cache.Composition.L1.MaxEntries = 10000
	}
	if cfg.Cache.Composition.L2.Type == "ttlcache" && cfg.Cache.Composition.L2.CleanupInterval == 0 {
		cfg.Cache.Composition.L2.CleanupInterval = 10 * time.Minute
	}
	if cfg.Cache.Composition.Read == "" {
		cfg.Cache.Composition.Read = "sequential"
	}
	if cfg.Cache.Composition.Write == "" {
		cfg.Cache.Composition.Write = "sequential"
	}
	if cfg.Cache.Composition.Refill == "" {
		cfg.Cache.Composition.Refill = "always"
	}
	if cfg.Cache.Offload.Timeout == "" {
		cfg.Cache.Offload.Timeout = "none"
	}
	if cfg.Cache.Semantic.Threshold == 0 {
		cfg.Cache.Semantic.Threshold = 0.95
	}
	if cfg.Cache.Semantic.EmbeddingModel == "" {
		cfg.Cache.Semantic.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Cache.Semantic.EmbeddingURL == "" {
		cfg.Cache.Semantic.EmbeddingURL = "https://api.openai.com/v1"
	}
	if cfg.Cache.Semantic.QdrantCollection == "" {
		cfg.Cache.Semantic.QdrantCollection = "hitbox_cache"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	switch cfg.Cache.Policy.StalePolicy {
	case "return", "revalidate", "offload_revalidate":
	default:
		return fmt.Errorf("cache.policy.stale_policy must be one of return, revalidate, offload_revalidate, got %q", cfg.Cache.Policy.StalePolicy)
	}
	if cfg.Cache.Composition.L2.Type != "" {
		switch cfg.Cache.Composition.Read {
		case "sequential", "race", "parallel":
		default:
			return fmt.Errorf("cache.composition.read must be one of sequential, race, parallel, got %q", cfg.Cache.Composition.Read)
		}
		switch cfg.Cache.Composition.Write {
		case "sequential", "optimistic_parallel", "race":
		default:
			return fmt.Errorf("cache.composition.write must be one of sequential, optimistic_parallel, race, got %q", cfg.Cache.Composition.Write)
		}
		switch cfg.Cache.Composition.Refill {
		case "always", "never":
		default:
			return fmt.Errorf("cache.composition.refill must be one of always, never, got %q", cfg.Cache.Composition.Refill)
		}
	}
	switch cfg.Cache.Offload.Timeout {
	case "none", "cancel", "warn":
	default:
		return fmt.Errorf("cache.offload.timeout must be one of none, cancel, warn, got %q", cfg.Cache.Offload.Timeout)
	}
	if cfg.Cache.Semantic.Enabled {
		if cfg.Cache.Semantic.QdrantURL == "" {
			return fmt.Errorf("cache.semantic.qdrant_url is required when semantic cache is enabled")
		}
		if cfg.Cache.Semantic.EmbeddingKey == "" {
			return fmt.Errorf("cache.semantic.embedding_key is required when semantic cache is enabled")
		}
		if cfg.Cache.Composition.L1.Type != "semantic" && cfg.Cache.Composition.L2.Type != "semantic" {
			return fmt.Errorf("cache.semantic is enabled but no composition tier has type semantic")
		}
	}
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("providers[%d].type is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d].base_url is required", i)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d].models must have at least one model", i)
		}
	}
	return nil
}
