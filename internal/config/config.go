package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Provider names accepted by ai.provider.
const (
	ProviderRemote = "remote_hosted"
	ProviderLocal  = "local_server"
)

// Config holds the full application configuration.
type Config struct {
	AI          AIConfig          `yaml:"ai" mapstructure:"ai"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Local       LocalModelConfig  `yaml:"local" mapstructure:"local"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" mapstructure:"retrieval"`
	Admission   AdmissionConfig   `yaml:"admission" mapstructure:"admission"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Amendment   AmendmentConfig   `yaml:"amendment" mapstructure:"amendment"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" mapstructure:"object_store"`
	PDF         PDFConfig         `yaml:"pdf" mapstructure:"pdf"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// AIConfig selects the model provider and bounds every LLM call.
type AIConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxTokens       int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxPromptChars  int    `yaml:"max_prompt_chars" mapstructure:"max_prompt_chars"`
	LargeInputChars int    `yaml:"large_input_chars" mapstructure:"large_input_chars"`
}

// AnthropicConfig holds remote hosted model settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Model        string `yaml:"model" mapstructure:"model"`
	FastModel    string `yaml:"fast_model" mapstructure:"fast_model"`
	ComplexModel string `yaml:"complex_model" mapstructure:"complex_model"`
}

// LocalModelConfig holds local model server settings.
type LocalModelConfig struct {
	URL            string  `yaml:"url" mapstructure:"url"`
	DefaultModel   string  `yaml:"default_model" mapstructure:"default_model"`
	FastModel      string  `yaml:"fast_model" mapstructure:"fast_model"`
	ComplexModel   string  `yaml:"complex_model" mapstructure:"complex_model"`
	EmbedModel     string  `yaml:"embed_model" mapstructure:"embed_model"`
	TimeoutSeconds int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
}

// SearchConfig holds the web-search LLM settings used for update checks.
type SearchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	Emulate    bool   `yaml:"emulate" mapstructure:"emulate"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	TTLHours   int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// RetrievalConfig configures the vector-indexed chunk store.
type RetrievalConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	Path         string `yaml:"path" mapstructure:"path"`
	ChunkSize    int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	TopK         int    `yaml:"top_k" mapstructure:"top_k"`
}

// AdmissionConfig configures rate limiting and the processing queue.
type AdmissionConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerMinute int `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	RatePerHour   int `yaml:"rate_per_hour" mapstructure:"rate_per_hour"`
}

// PipelineConfig configures the ingest pipeline.
type PipelineConfig struct {
	BaseDir           string `yaml:"base_dir" mapstructure:"base_dir"`
	LargeFileMB       int    `yaml:"large_file_mb" mapstructure:"large_file_mb"`
	IncludeCompliance bool   `yaml:"include_compliance" mapstructure:"include_compliance"`
	ChunkChars        int    `yaml:"chunk_chars" mapstructure:"chunk_chars"`
	PaceMillis        int    `yaml:"pace_millis" mapstructure:"pace_millis"`
}

// AmendmentConfig configures update checks and amendment processing.
type AmendmentConfig struct {
	MaxPDFMB    int    `yaml:"max_pdf_mb" mapstructure:"max_pdf_mb"`
	DownloadDir string `yaml:"download_dir" mapstructure:"download_dir"`
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
}

// ObjectStoreConfig configures optional upload of accepted documents.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// PDFConfig configures PDF text extraction.
type PDFConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// StoreConfig configures the amendment record backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envAliases binds the bare deployment variable names alongside the
// prefixed GRC_* form.
var envAliases = map[string]string{
	"ai.provider":               "AI_PROVIDER",
	"anthropic.key":             "ANTHROPIC_API_KEY",
	"anthropic.model":           "REMOTE_MODEL_NAME",
	"local.url":                 "LOCAL_MODEL_URL",
	"local.default_model":       "LOCAL_MODEL_DEFAULT",
	"local.fast_model":          "LOCAL_MODEL_FAST",
	"local.complex_model":       "LOCAL_MODEL_COMPLEX",
	"local.timeout_seconds":     "LOCAL_MODEL_TIMEOUT_SECONDS",
	"local.temperature":         "LOCAL_MODEL_TEMPERATURE",
	"search.key":                "EXTERNAL_SEARCH_API_KEY",
	"retrieval.path":            "VECTOR_STORE_PATH",
	"cache.url":                 "CACHE_BACKEND_URL",
	"admission.max_concurrent":  "MAX_CONCURRENT_PIPELINES",
	"admission.rate_per_minute": "RATE_LIMIT_PER_MINUTE",
	"admission.rate_per_hour":   "RATE_LIMIT_PER_HOUR",
	"amendment.max_pdf_mb":      "MAX_AMENDMENT_PDF_MB",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range envAliases {
		if err := v.BindEnv(key, "GRC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", name)
		}
	}

	// Defaults
	v.SetDefault("ai.provider", ProviderRemote)
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.max_prompt_chars", 60000)
	v.SetDefault("ai.large_input_chars", 30000)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.complex_model", "claude-opus-4-6")
	v.SetDefault("local.url", "http://localhost:11434")
	v.SetDefault("local.default_model", "llama3.1:8b")
	v.SetDefault("local.fast_model", "llama3.2:3b")
	v.SetDefault("local.complex_model", "qwen2.5:32b")
	v.SetDefault("local.embed_model", "nomic-embed-text")
	v.SetDefault("local.timeout_seconds", 300)
	v.SetDefault("local.temperature", 0.1)
	v.SetDefault("search.base_url", "https://api.perplexity.ai")
	v.SetDefault("search.model", "sonar-pro")
	v.SetDefault("cache.emulate", true)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("retrieval.enabled", true)
	v.SetDefault("retrieval.path", "./vector_store")
	v.SetDefault("retrieval.chunk_size", 1000)
	v.SetDefault("retrieval.chunk_overlap", 200)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("admission.max_concurrent", 2)
	v.SetDefault("admission.rate_per_minute", 10)
	v.SetDefault("admission.rate_per_hour", 100)
	v.SetDefault("pipeline.base_dir", "./media")
	v.SetDefault("pipeline.large_file_mb", 10)
	v.SetDefault("pipeline.include_compliance", true)
	v.SetDefault("pipeline.chunk_chars", 8000)
	v.SetDefault("pipeline.pace_millis", 500)
	v.SetDefault("amendment.max_pdf_mb", 15)
	v.SetDefault("amendment.download_dir", "./amendments")
	v.SetDefault("amendment.output_dir", "./amendments/output")
	v.SetDefault("object_store.prefix", "amendments")
	v.SetDefault("pdf.pdftotext_path", "pdftotext")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "grc-extract.db")
	v.SetDefault("server.port", 8080)
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
	cfg.normalize()

	return &cfg, nil
}

// normalize strips quoting and whitespace from model identifiers. Some
// deployment tooling writes them with surrounding quotes.
func (c *Config) normalize() {
	c.AI.Provider = StripQuotes(c.AI.Provider)
	c.Anthropic.Model = StripQuotes(c.Anthropic.Model)
	c.Anthropic.FastModel = StripQuotes(c.Anthropic.FastModel)
	c.Anthropic.ComplexModel = StripQuotes(c.Anthropic.ComplexModel)
	c.Local.DefaultModel = StripQuotes(c.Local.DefaultModel)
	c.Local.FastModel = StripQuotes(c.Local.FastModel)
	c.Local.ComplexModel = StripQuotes(c.Local.ComplexModel)
	c.Local.EmbedModel = StripQuotes(c.Local.EmbedModel)
	c.Local.URL = strings.TrimRight(StripQuotes(c.Local.URL), "/")
}

// StripQuotes removes surrounding whitespace and quote characters.
func StripQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// Validate checks the fields required by the given command mode.
func (c *Config) Validate(mode string) error {
	var problems []string
	require := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "ingest", "amend", "compliance", "match":
		c.validateProvider(require)
	case "check":
		c.validateProvider(require)
		require(c.Search.Key != "", "search.key is required")
		require(c.Amendment.MaxPDFMB > 0, "amendment.max_pdf_mb must be > 0")
	case "serve":
		c.validateProvider(require)
		require(c.Server.Port > 0, "server.port must be > 0")
		require(c.Admission.RatePerMinute > 0, "admission.rate_per_minute must be > 0")
		require(c.Admission.RatePerHour >= c.Admission.RatePerMinute, "admission.rate_per_hour must be >= rate_per_minute")
	case "cache":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode != "cache" {
		require(c.Admission.MaxConcurrent >= 1 && c.Admission.MaxConcurrent <= 32,
			"admission.max_concurrent must be between 1 and 32")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateProvider(require func(bool, string)) {
	switch c.AI.Provider {
	case ProviderRemote:
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Anthropic.Model != "", "anthropic.model is required")
	case ProviderLocal:
		require(c.Local.URL != "", "local.url is required")
		require(c.Local.DefaultModel != "", "local.default_model is required")
	default:
		require(false, "ai.provider must be remote_hosted or local_server")
	}
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
