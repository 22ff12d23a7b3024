package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anivid/models"
)

// LLMProvider defines the connection details for one OpenAI-compatible
// upstream. APIKey holds the NAME of the environment variable carrying the
// key; the value is substituted at load time.
type LLMProvider struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ModelRoute maps a client-facing model tier ("base", "premium") to an
// upstream model id and provider.
type ModelRoute struct {
	ID       string `mapstructure:"id"`
	Provider string `mapstructure:"provider"`
}

// TierLimits is one row of the membership tier table.
type TierLimits struct {
	MonthlyQuota      int      `mapstructure:"monthly_quota"` // -1 = unlimited
	ContextWindowSize int      `mapstructure:"context_window_size"` // rounds
	MaxTotalTokens    int      `mapstructure:"max_total_tokens"`
	MaxTokensPerRound int      `mapstructure:"max_tokens_per_round"`
	AllowedModels     []string `mapstructure:"allowed_models"`
}

// Limit returns the tier's monthly allowance.
func (t TierLimits) Limit() models.QuotaLimit {
	return models.QuotaLimitFromSentinel(t.MonthlyQuota)
}

// AllowsModel reports whether the tier may use the given model tier.
func (t TierLimits) AllowsModel(modelTier string) bool {
	for _, m := range t.AllowedModels {
		if m == modelTier {
			return true
		}
	}
	return false
}

// Config holds the application's configuration. It is constructed once in
// main and passed by reference; there is no package-level instance, so tests
// can substitute fixtures.
type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		DSN string `mapstructure:"dsn"` // "memory" or a SQLite file path
	} `mapstructure:"database"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Generation struct {
		BackendURL  string        `mapstructure:"backend_url"`
		Interval    time.Duration `mapstructure:"poll_interval"`
		MaxAttempts int           `mapstructure:"poll_max_attempts"`
	} `mapstructure:"generation"`

	LLMProviders map[string]LLMProvider `mapstructure:"llm_providers"`
	LLMModels    map[string]ModelRoute  `mapstructure:"llm_models"`

	// Tiers is the membership tier table, keyed by tier name. Looked up via
	// TierFor so unknown tiers degrade to free rather than panicking.
	Tiers map[string]TierLimits `mapstructure:"membership_tiers"`

	// PromptTemplate renders a character persona into a system instruction.
	PromptTemplate string `mapstructure:"prompt_template"`
}

// TierFor returns the limits for a membership level, falling back to the
// free tier when the level has no configured row.
func (c *Config) TierFor(level models.MembershipLevel) TierLimits {
	if t, ok := c.Tiers[string(level)]; ok {
		return t
	}
	return c.Tiers[string(models.LevelFree)]
}

// ModelRouteFor resolves a client-facing model tier to its upstream route.
func (c *Config) ModelRouteFor(modelTier string) (ModelRoute, bool) {
	r, ok := c.LLMModels[modelTier]
	return r, ok
}

// ProviderFor returns the provider config for a model route.
func (c *Config) ProviderFor(route ModelRoute) (LLMProvider, bool) {
	p, ok := c.LLMProviders[route.Provider]
	return p, ok
}

// DefaultPromptTemplate is used when no template is configured. Placeholders
// match the persona fields substituted by the prompt assembler.
const DefaultPromptTemplate = `You are {character_name}, a {character_age} year old {character_gender} {character_species}.
Role: {role}
Personality: {personality_tags}

Background: {background_story}
{speaking_style_section}
{example_quotes_section}
Stay in character at all times. Respond as {character_name} would, never as an AI assistant.`

// Load reads configuration from config.yaml (searched in ./config, . and
// ../config) plus environment variables, applies defaults, and resolves
// provider API keys from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AddConfigPath("../config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("WARN: [Config] Configuration file (config.yaml) not found. Using environment variables and defaults.")
		} else {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Environment overrides for the values most often set per-deployment.
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
		log.Printf("INFO: [Config] Server port overridden by environment variable SERVER_PORT: %s", port)
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("GENERATION_BACKEND_URL"); backend != "" {
		cfg.Generation.BackendURL = backend
	}

	// Resolve provider API keys: the config value names an env var.
	for key, provider := range cfg.LLMProviders {
		envName := provider.APIKey
		if envValue := os.Getenv(envName); envValue != "" {
			provider.APIKey = envValue
			cfg.LLMProviders[key] = provider
			log.Printf("INFO: [Config] Loaded API key for provider '%s' from environment variable '%s'.", key, envName)
		} else if envName == "" || strings.HasSuffix(envName, "_KEY") {
			log.Printf("WARN: [Config] API key for provider '%s' (env var '%s') is not set.", key, envName)
		}
	}

	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}

	log.Println("INFO: [Config] Configuration loading complete.")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.dsn", "memory")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("generation.backend_url", "http://localhost:9090")
	v.SetDefault("generation.poll_interval", "3s")
	v.SetDefault("generation.poll_max_attempts", 100)

	v.SetDefault("llm_models", map[string]interface{}{
		"base":    map[string]interface{}{"id": "gpt-3.5-turbo", "provider": "openai"},
		"premium": map[string]interface{}{"id": "gpt-4.1", "provider": "openai"},
	})
	v.SetDefault("llm_providers", map[string]interface{}{
		"openai": map[string]interface{}{"api_key": "OPENAI_API_KEY", "base_url": "https://api.openai.com/v1"},
	})

	// Tier table. monthly_quota -1 means unlimited; context_window_size is in
	// conversation rounds (one round = user turn + assistant turn).
	v.SetDefault("membership_tiers", map[string]interface{}{
		"free": map[string]interface{}{
			"monthly_quota":        100,
			"context_window_size":  10,
			"max_total_tokens":     4000,
			"max_tokens_per_round": 512,
			"allowed_models":       []string{"base"},
		},
		"basic": map[string]interface{}{
			"monthly_quota":        500,
			"context_window_size":  20,
			"max_total_tokens":     8000,
			"max_tokens_per_round": 1024,
			"allowed_models":       []string{"base"},
		},
		"plus": map[string]interface{}{
			"monthly_quota":        3000,
			"context_window_size":  40,
			"max_total_tokens":     16000,
			"max_tokens_per_round": 2048,
			"allowed_models":       []string{"base", "premium"},
		},
		"pro": map[string]interface{}{
			"monthly_quota":        -1,
			"context_window_size":  60,
			"max_total_tokens":     32000,
			"max_tokens_per_round": 4096,
			"allowed_models":       []string{"base", "premium"},
		},
	})
}
