package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Research  ResearchConfig  `mapstructure:"research"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, ollama
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	ContextWindow   int     `mapstructure:"context_window"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
	// Optional overrides for capability detection by model family.
	NativeStructured *bool `mapstructure:"native_structured"`
	NativeTools      *bool `mapstructure:"native_tools"`
}

// LLMRoutingConfig defines which model to use for each phase
type LLMRoutingConfig struct {
	Supervisor    string `mapstructure:"supervisor"`
	Worker        string `mapstructure:"worker"`
	Summarization string `mapstructure:"summarization"`
	FinalReport   string `mapstructure:"final_report"`
	Fallback      string `mapstructure:"fallback"`
}

// Model resolves a routed model name, falling back to the configured fallback.
func (r LLMRoutingConfig) Model(name string) string {
	if name != "" {
		return name
	}
	return r.Fallback
}

// SearchConfig contains search backend configuration
type SearchConfig struct {
	Provider           string        `mapstructure:"provider"` // searxng
	Endpoint           string        `mapstructure:"endpoint"`
	MaxResultsPerQuery int           `mapstructure:"max_results_per_query"`
	MaxContentLength   int           `mapstructure:"max_content_length"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Concurrency        int           `mapstructure:"concurrency"`
	FetchPages         bool          `mapstructure:"fetch_pages"`
	Fetcher            string        `mapstructure:"fetcher"` // http, chromedp
	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisPassword      string        `mapstructure:"redis_password"`
	RedisDB            int           `mapstructure:"redis_db"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// ResearchConfig contains orchestration limits and behaviour switches
type ResearchConfig struct {
	MaxConcurrentUnits      int    `mapstructure:"max_concurrent_units"`
	MaxSupervisorIterations int    `mapstructure:"max_supervisor_iterations"`
	MaxWorkerIterations     int    `mapstructure:"max_worker_iterations"`
	MaxTotalToolCalls       int    `mapstructure:"max_total_tool_calls"`
	MaxWorkerToolCalls      int    `mapstructure:"max_worker_tool_calls"`
	MaxStructuredRetries    int    `mapstructure:"max_structured_retries"`
	MaxTransportRetries     int    `mapstructure:"max_transport_retries"`
	AllowClarification      bool   `mapstructure:"allow_clarification"`
	ResponseLanguage        string `mapstructure:"response_language"`
	ResponseReserveTokens   int    `mapstructure:"response_reserve_tokens"`
	KeepObservations        int    `mapstructure:"keep_observations"`
	// MaxCostUSD and MaxTimeSeconds are session budgets; zero means unlimited.
	MaxCostUSD     float64 `mapstructure:"max_cost_usd"`
	MaxTimeSeconds int64   `mapstructure:"max_time_seconds"`
}

// TelemetryConfig contains telemetry and cost-tracking settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

// StorageConfig contains the optional session store configuration
type StorageConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// SetDefaults fills in zero values with sane defaults.
func (c *Config) SetDefaults() {
	if c.General.DefaultTimeout == 0 {
		c.General.DefaultTimeout = 120 * time.Second
	}
	if c.Search.MaxResultsPerQuery == 0 {
		c.Search.MaxResultsPerQuery = 5
	}
	if c.Search.MaxContentLength == 0 {
		c.Search.MaxContentLength = 50000
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 20 * time.Second
	}
	if c.Search.Concurrency == 0 {
		c.Search.Concurrency = 4
	}
	if c.Search.Fetcher == "" {
		c.Search.Fetcher = "http"
	}
	if c.Search.CacheTTL == 0 {
		c.Search.CacheTTL = 24 * time.Hour
	}
	if c.Research.MaxConcurrentUnits == 0 {
		c.Research.MaxConcurrentUnits = 3
	}
	if c.Research.MaxSupervisorIterations == 0 {
		c.Research.MaxSupervisorIterations = 6
	}
	if c.Research.MaxWorkerIterations == 0 {
		c.Research.MaxWorkerIterations = 5
	}
	if c.Research.MaxTotalToolCalls == 0 {
		c.Research.MaxTotalToolCalls = 10
	}
	if c.Research.MaxWorkerToolCalls == 0 {
		c.Research.MaxWorkerToolCalls = 8
	}
	if c.Research.MaxStructuredRetries == 0 {
		c.Research.MaxStructuredRetries = 3
	}
	if c.Research.MaxTransportRetries == 0 {
		c.Research.MaxTransportRetries = 3
	}
	if c.Research.ResponseReserveTokens == 0 {
		c.Research.ResponseReserveTokens = 4096
	}
	if c.Research.KeepObservations == 0 {
		c.Research.KeepObservations = 6
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers must configure at least one provider")
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "ollama":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("llm.providers.%s must configure at least one model", name)
		}
	}
	if c.LLM.Routing.Fallback == "" {
		return fmt.Errorf("llm.routing.fallback is required")
	}
	if c.Research.MaxConcurrentUnits < 1 {
		return fmt.Errorf("research.max_concurrent_units must be >= 1")
	}
	if c.Research.MaxSupervisorIterations < 1 {
		return fmt.Errorf("research.max_supervisor_iterations must be >= 1")
	}
	if c.Research.MaxWorkerIterations < 1 {
		return fmt.Errorf("research.max_worker_iterations must be >= 1")
	}
	if c.Research.MaxCostUSD < 0 {
		return fmt.Errorf("research.max_cost_usd must be >= 0")
	}
	if c.Research.MaxTimeSeconds < 0 {
		return fmt.Errorf("research.max_time_seconds must be >= 0")
	}
	if c.Search.Provider != "" && c.Search.Provider != "searxng" {
		return fmt.Errorf("search.provider: unsupported provider %q", c.Search.Provider)
	}
	switch c.Search.Fetcher {
	case "", "http", "chromedp":
	default:
		return fmt.Errorf("search.fetcher: unsupported fetcher %q", c.Search.Fetcher)
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("search.provider", "searxng")
	viper.SetDefault("search.endpoint", "http://localhost:8888")
	viper.SetDefault("research.allow_clarification", false)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DELVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
