package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Blob         BlobConfig         `yaml:"blob" mapstructure:"blob"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	OCR          OCRConfig          `yaml:"ocr" mapstructure:"ocr"`
	Mistral      MistralConfig      `yaml:"mistral" mapstructure:"mistral"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Extract      ExtractConfig      `yaml:"extract" mapstructure:"extract"`
	Quality      QualityConfig      `yaml:"quality" mapstructure:"quality"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Throttle     ThrottleConfig     `yaml:"throttle" mapstructure:"throttle"`
	Auth         AuthConfig         `yaml:"auth" mapstructure:"auth"`
	Dispensaries DispensariesConfig `yaml:"dispensaries" mapstructure:"dispensaries"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For the sqlite driver
// DatabaseURL is a file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BlobConfig configures durable flyer storage.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// FetchConfig configures the HTTP content fetcher.
type FetchConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes    int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// OCRConfig lists text-extraction providers in fallback order.
type OCRConfig struct {
	Providers   []string `yaml:"providers" mapstructure:"providers"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MistralConfig holds Mistral OCR API settings.
type MistralConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractConfig configures the structured extractor.
type ExtractConfig struct {
	TimeoutSecs   int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxInputChars int `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MaxPrice      float64 `yaml:"max_price" mapstructure:"max_price"`
}

// BatchConfig configures batch ingestion.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For
	// and X-Real-IP headers identify the caller. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// ThrottleConfig configures request admission control. Backend is "memory"
// or "store".
type ThrottleConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"`
	WindowSecs int    `yaml:"window_secs" mapstructure:"window_secs"`
	Strict     int    `yaml:"strict" mapstructure:"strict"`
	Standard   int    `yaml:"standard" mapstructure:"standard"`
	Relaxed    int    `yaml:"relaxed" mapstructure:"relaxed"`
}

// AuthConfig holds the trigger shared secret and the bearer-token signing key.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`
	JWTSecret    string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// DispensariesConfig points at the dispensary list.
type DispensariesConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// RetryConfig configures retries for outbound provider calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures batch alerting. Alerts are only sent when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinDispensaries      int     `yaml:"min_dispensaries" mapstructure:"min_dispensaries"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DEALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("blob.root", "data/flyers")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_bytes", 25<<20)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("fetch.user_agent", "dispensary-deals/1.0")
	v.SetDefault("ocr.providers", []string{"mistral", "claude", "pdftext"})
	v.SetDefault("ocr.timeout_secs", 90)
	v.SetDefault("mistral.base_url", "https://api.mistral.ai")
	v.SetDefault("mistral.model", "mistral-ocr-latest")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("extract.timeout_secs", 60)
	v.SetDefault("extract.max_input_chars", 60000)
	v.SetDefault("quality.min_confidence", 0.5)
	v.SetDefault("quality.max_price", 1000.0)
	v.SetDefault("batch.max_concurrent", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("throttle.backend", "memory")
	v.SetDefault("throttle.window_secs", 60)
	v.SetDefault("throttle.strict", 5)
	v.SetDefault("throttle.standard", 30)
	v.SetDefault("throttle.relaxed", 120)
	v.SetDefault("dispensaries.file", "dispensaries.yaml")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_dispensaries", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys a command needs are present and that numeric
// settings are in range. Mode is one of "serve", "ingest", "rank" or "store".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(val, key string) {
		if val == "" {
			errs = append(errs, key+" is required")
		}
	}

	switch mode {
	case "serve", "ingest", "rank", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	require(c.Store.DatabaseURL, "store.database_url")
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if mode == "serve" || mode == "ingest" {
		require(c.Anthropic.Key, "anthropic.key")
		require(c.Blob.Root, "blob.root")
		if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 32 {
			errs = append(errs, "batch.max_concurrent must be between 1 and 32")
		}
		if c.Quality.MinConfidence < 0 || c.Quality.MinConfidence > 1 {
			errs = append(errs, "quality.min_confidence must be between 0 and 1")
		}
	}

	if mode == "serve" {
		require(c.Auth.SharedSecret, "auth.shared_secret")
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		for _, p := range c.Server.TrustedProxies {
			if !validProxy(p) {
				errs = append(errs, fmt.Sprintf("server.trusted_proxies entry %q is not an address or CIDR", p))
			}
		}
		if c.Throttle.Backend != "memory" && c.Throttle.Backend != "store" {
			errs = append(errs, fmt.Sprintf("throttle.backend %q must be memory or store", c.Throttle.Backend))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
