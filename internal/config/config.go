package config

import (
	"strings"
	"time"
	_ "time/tzdata" // deadline zones on hosts without a zoneinfo database

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Oracle    OracleConfig    `yaml:"oracle" mapstructure:"oracle"`
	DeepSeek  DeepSeekConfig  `yaml:"deepseek" mapstructure:"deepseek"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Temporal  TemporalConfig  `yaml:"temporal" mapstructure:"temporal"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// OracleConfig selects the extraction oracle and bounds its calls.
type OracleConfig struct {
	Provider         string  `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
}

// DeepSeekConfig holds DeepSeek API settings.
type DeepSeekConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PipelineConfig configures reconciliation runs.
type PipelineConfig struct {
	ListingMode        string `yaml:"listing_mode" mapstructure:"listing_mode"`
	DeepMode           string `yaml:"deep_mode" mapstructure:"deep_mode"`
	FirstPageChars     int    `yaml:"first_page_chars" mapstructure:"first_page_chars"`
	MinTextChars       int    `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	ListingMaxChars    int    `yaml:"listing_max_chars" mapstructure:"listing_max_chars"`
	DeepMaxChars       int    `yaml:"deep_max_chars" mapstructure:"deep_max_chars"`
	MaxConcurrentCases int    `yaml:"max_concurrent_cases" mapstructure:"max_concurrent_cases"`
	PolicyFile         string `yaml:"policy_file" mapstructure:"policy_file"`
	DeadlineZone       string `yaml:"deadline_zone" mapstructure:"deadline_zone"`
}

// DeadlineLocation loads the zone listing deadlines are written in. An
// empty zone is UTC.
func (p PipelineConfig) DeadlineLocation() (*time.Location, error) {
	if p.DeadlineZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.DeadlineZone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: deadline zone %q", p.DeadlineZone)
	}
	return loc, nil
}

// IngestConfig configures document text extraction.
type IngestConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	OCRProvider   string `yaml:"ocr_provider" mapstructure:"ocr_provider"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envFiles are loaded before viper reads the environment. Variables already
// set win, and .env.local wins over .env.
var envFiles = []string{".env.local", ".env"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tender.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("oracle.provider", "deepseek")
	v.SetDefault("oracle.timeout_secs", 120)
	v.SetDefault("oracle.rate_per_sec", 2)
	v.SetDefault("oracle.circuit_threshold", 5)
	v.SetDefault("deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("pipeline.listing_mode", "single")
	v.SetDefault("pipeline.deep_mode", "single")
	v.SetDefault("pipeline.first_page_chars", 3000)
	v.SetDefault("pipeline.min_text_chars", 100)
	v.SetDefault("pipeline.listing_max_chars", 50000)
	v.SetDefault("pipeline.deep_max_chars", 40000)
	v.SetDefault("pipeline.max_concurrent_cases", 4)
	v.SetDefault("pipeline.policy_file", "")
	v.SetDefault("pipeline.deadline_zone", "Africa/Casablanca")
	v.SetDefault("ingest.pdftotext_path", "pdftotext")
	v.SetDefault("ingest.ocr_provider", "local")
	v.SetDefault("ingest.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.user_agent", "tender-cli/1.0")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "tender-analysis")

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

// Validate checks the settings a command mode depends on. Modes are
// "store", "analyze", "serve" and "worker"; every mode checks the store and
// pipeline. The server starts without an oracle key and reports it on its
// status endpoint.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if !validMode(c.Pipeline.ListingMode) {
		errs = append(errs, "pipeline.listing_mode must be single or multi")
	}
	if !validMode(c.Pipeline.DeepMode) {
		errs = append(errs, "pipeline.deep_mode must be single or multi")
	}
	if c.Pipeline.MaxConcurrentCases < 1 || c.Pipeline.MaxConcurrentCases > 32 {
		errs = append(errs, "pipeline.max_concurrent_cases must be between 1 and 32")
	}
	if c.Pipeline.MinTextChars < 0 {
		errs = append(errs, "pipeline.min_text_chars must be >= 0")
	}
	if _, err := c.Pipeline.DeadlineLocation(); err != nil {
		errs = append(errs, "pipeline.deadline_zone must be an IANA time zone")
	}

	switch mode {
	case "store":
	case "analyze", "worker":
		errs = append(errs, c.oracleErrors()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validMode(m string) bool {
	return m == "single" || m == "multi"
}

func (c *Config) oracleErrors() []string {
	var errs []string
	switch c.Oracle.Provider {
	case "deepseek":
		if c.DeepSeek.Key == "" {
			errs = append(errs, "deepseek.key is required")
		}
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	default:
		errs = append(errs, "oracle.provider must be deepseek or anthropic")
	}
	if c.Oracle.TimeoutSecs <= 0 {
		errs = append(errs, "oracle.timeout_secs must be > 0")
	}
	return errs
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
