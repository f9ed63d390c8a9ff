// Package config loads and validates the embedder JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level JSON configuration document (§6 of SPEC_FULL.md).
type Config struct {
	Tokenizer  TokenizerConfig  `json:"tokenizer"`
	Chunking   ChunkingConfig   `json:"chunking"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Generation GenerationConfig `json:"generation"`
	Database   DatabaseConfig   `json:"database"`
	Source     SourceConfig     `json:"source"`
	Logging    LoggingConfig    `json:"logging"`
}

type TokenizerConfig struct {
	ConfigPath string `json:"config_path"`
}

type ChunkingConfig struct {
	NofMaxTokens      int     `json:"nof_max_tokens"`
	NofMinTokens      int     `json:"nof_min_tokens"`
	OverlapPercentage float64 `json:"overlap_percentage"`
	Semantic          bool    `json:"semantic"`
}

// APIProviderConfig models a single embedding/generation provider entry (§3 API provider config).
type APIProviderConfig struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	APIURL             string        `json:"api_url"`
	APIKey             string        `json:"api_key"`
	Model              string        `json:"model"`
	MaxTokensName      string        `json:"max_tokens_name"`
	DocumentFormat     string        `json:"document_format"`
	QueryFormat        string        `json:"query_format"`
	TemperatureSupport bool          `json:"temperature_support"`
	Enabled            bool          `json:"enabled"`
	Stream             bool          `json:"stream"`
	ContextLength      int           `json:"context_length"`
	PricingTPM         PricingConfig `json:"pricing_tpm"`
	FIM                *FIMConfig    `json:"fim,omitempty"`
}

type PricingConfig struct {
	Input       float64 `json:"input"`
	Output      float64 `json:"output"`
	CachedInput float64 `json:"cached_input"`
}

type FIMConfig struct {
	APIURL     string   `json:"api_url"`
	PrefixName string   `json:"prefix_name"`
	SuffixName string   `json:"suffix_name"`
	StopTokens []string `json:"stop_tokens"`
}

// ResolvedAPIKey expands `${VAR}` references against the process environment.
func (p APIProviderConfig) ResolvedAPIKey() string {
	return os.Expand(p.APIKey, os.Getenv)
}

type EmbeddingConfig struct {
	APIs               []APIProviderConfig `json:"apis"`
	CurrentAPI         string              `json:"current_api"`
	TimeoutMs          int                 `json:"timeout_ms"`
	BatchSize          int                 `json:"batch_size"`
	TopK               int                 `json:"top_k"`
	PrependLabelFormat string              `json:"prepend_label_format"`
}

func (e EmbeddingConfig) Current() (APIProviderConfig, bool) {
	for _, a := range e.APIs {
		if a.ID == e.CurrentAPI {
			return a, true
		}
	}
	return APIProviderConfig{}, false
}

type ExcerptConfig struct {
	Enabled        bool    `json:"enabled"`
	MinChunks      int     `json:"min_chunks"`
	MaxChunks      int     `json:"max_chunks"`
	ThresholdRatio float64 `json:"threshold_ratio"`
}

type GenerationConfig struct {
	APIs                []APIProviderConfig `json:"apis"`
	CurrentAPI          string              `json:"current_api"`
	TimeoutMs           int                 `json:"timeout_ms"`
	MaxFullSources      int                 `json:"max_full_sources"`
	MaxRelatedPerSource int                 `json:"max_related_per_source"`
	MaxChunks           int                 `json:"max_chunks"`
	DefaultTemperature  float64             `json:"default_temperature"`
	DefaultMaxTokens    int                 `json:"default_max_tokens"`
	PrependLabelFormat  string              `json:"prepend_label_format"`
	Excerpt             ExcerptConfig       `json:"excerpt"`
}

func (g GenerationConfig) Current() (APIProviderConfig, bool) {
	for _, a := range g.APIs {
		if a.ID == g.CurrentAPI {
			return a, true
		}
	}
	return APIProviderConfig{}, false
}

type DatabaseConfig struct {
	SqlitePath     string `json:"sqlite_path"`
	IndexPath      string `json:"index_path"`
	VectorDim      int    `json:"vector_dim"`
	MaxElements    int    `json:"max_elements"`
	DistanceMetric string `json:"distance_metric"`
}

// SourceDescriptor is a variant of {directory, file, url} (§3 Source descriptor).
type SourceDescriptor struct {
	Kind       string            `json:"kind"` // "directory" | "file" | "url"
	Path       string            `json:"path,omitempty"`
	Recursive  bool              `json:"recursive,omitempty"`
	Extensions []string          `json:"extensions,omitempty"`
	Exclude    []string          `json:"exclude,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
}

type SourceConfig struct {
	MaxFileSizeMB     int                `json:"max_file_size_mb"`
	Encoding          string             `json:"encoding"`
	GlobalExclude     []string           `json:"global_exclude"`
	DefaultExtensions []string           `json:"default_extensions"`
	Paths             []SourceDescriptor `json:"paths"`
	ProjectID         string             `json:"project_id"`
	ProjectTitle      string             `json:"project_title"`
}

type LoggingConfig struct {
	LoggingFile     string `json:"logging_file"`
	DiagnosticsFile string `json:"diagnostics_file"`
	LogToFile       bool   `json:"log_to_file"`
	LogToConsole    bool   `json:"log_to_console"`
}

// Load reads the JSON config file at path and applies defaults for
// zero-valued fields. No field of the loaded Config is overridden from the
// environment (see applyEnvOverrides).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save parses raw JSON into a Config, validates it, and writes it back to
// path with indentation, for POST /api/setup (§4.9).
func Save(path string, raw map[string]any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks that the loaded values are usable: vector_dim and
// nof_max_tokens are positive, nof_min_tokens does not exceed nof_max_tokens,
// and each current_api names an entry of its non-empty apis list. It works on
// the decoded struct, so it cannot tell which top-level keys a document
// contained.
func (c *Config) Validate() error {
	if c.Database.VectorDim <= 0 {
		return fmt.Errorf("config: database.vector_dim must be > 0")
	}
	if c.Chunking.NofMaxTokens <= 0 {
		return fmt.Errorf("config: chunking.nof_max_tokens must be > 0")
	}
	if c.Chunking.NofMinTokens > c.Chunking.NofMaxTokens {
		return fmt.Errorf("config: chunking.nof_min_tokens must be <= nof_max_tokens")
	}
	if len(c.Embedding.APIs) > 0 {
		if _, ok := c.Embedding.Current(); !ok {
			return fmt.Errorf("config: embedding.current_api %q not found in embedding.apis", c.Embedding.CurrentAPI)
		}
	}
	if len(c.Generation.APIs) > 0 {
		if _, ok := c.Generation.Current(); !ok {
			return fmt.Errorf("config: generation.current_api %q not found in generation.apis", c.Generation.CurrentAPI)
		}
	}
	return nil
}

func applyDefaults(c *Config) {
	if c.Tokenizer.ConfigPath == "" {
		c.Tokenizer.ConfigPath = "tokenizer.json"
	}
	if c.Chunking.NofMaxTokens == 0 {
		c.Chunking.NofMaxTokens = 500
	}
	if c.Chunking.NofMinTokens == 0 {
		c.Chunking.NofMinTokens = 50
	}
	if c.Chunking.OverlapPercentage == 0 {
		c.Chunking.OverlapPercentage = 0.1
	}
	if c.Embedding.TimeoutMs == 0 {
		c.Embedding.TimeoutMs = 10000
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 4
	}
	if c.Embedding.TopK == 0 {
		c.Embedding.TopK = 5
	}
	if c.Generation.TimeoutMs == 0 {
		c.Generation.TimeoutMs = 20000
	}
	if c.Generation.MaxFullSources == 0 {
		c.Generation.MaxFullSources = 2
	}
	if c.Generation.MaxRelatedPerSource == 0 {
		c.Generation.MaxRelatedPerSource = 3
	}
	if c.Generation.MaxChunks == 0 {
		c.Generation.MaxChunks = 5
	}
	if c.Generation.DefaultTemperature == 0 {
		c.Generation.DefaultTemperature = 0.5
	}
	if c.Generation.DefaultMaxTokens == 0 {
		c.Generation.DefaultMaxTokens = 2048
	}
	if !c.Generation.Excerpt.Enabled && c.Generation.Excerpt.MinChunks == 0 && c.Generation.Excerpt.MaxChunks == 0 {
		c.Generation.Excerpt = ExcerptConfig{
			Enabled:        true,
			MinChunks:      3,
			MaxChunks:      9,
			ThresholdRatio: 0.6,
		}
	}
	if c.Database.SqlitePath == "" {
		c.Database.SqlitePath = "db.sqlite"
	}
	if c.Database.IndexPath == "" {
		c.Database.IndexPath = "index"
	}
	if c.Database.VectorDim == 0 {
		c.Database.VectorDim = 768
	}
	if c.Database.MaxElements == 0 {
		c.Database.MaxElements = 100000
	}
	if c.Database.DistanceMetric == "" {
		c.Database.DistanceMetric = "cosine"
	}
	if c.Source.MaxFileSizeMB == 0 {
		c.Source.MaxFileSizeMB = 10
	}
	if c.Source.Encoding == "" {
		c.Source.Encoding = "utf-8"
	}
	if len(c.Source.DefaultExtensions) == 0 {
		c.Source.DefaultExtensions = []string{".txt", ".md"}
	}
	if c.Logging.LoggingFile == "" {
		c.Logging.LoggingFile = "output.log"
	}
	if c.Logging.DiagnosticsFile == "" {
		c.Logging.DiagnosticsFile = "diagnostics.log"
	}
}

// applyEnvOverrides reads EMBEDDER_PORT through the teacher's getEnv helper
// but changes no field of c: Config has no field for any of the well-known
// environment variables.
func applyEnvOverrides(c *Config) {
	if v := getEnv("EMBEDDER_PORT", ""); v != "" {
		// Port is a CLI/serve concern, not part of Config, but recorded here
		// so callers resolving via config.Load see the same override surface.
		_ = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
