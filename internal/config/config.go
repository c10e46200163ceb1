package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// ConfigError indicates a configuration problem that must abort before any stage starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Duration is a time.Duration that unmarshals from YAML strings like "20s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Feeds     []Feed    `yaml:"feeds"`
	Fetch     Fetch     `yaml:"fetch"`
	Reasoning Reasoning `yaml:"reasoning"`
	Dedup     Dedup     `yaml:"dedup"`
	Filter    Filter    `yaml:"filter"`
	Verify    Verify    `yaml:"verify"`
	Retry     Retry     `yaml:"retry"`
	Output    Output    `yaml:"output"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Fetch struct {
	Workers       int           `yaml:"workers"`
	FeedTimeout   Duration      `yaml:"feed_timeout"`
	EnrichContent bool          `yaml:"enrich_content"`
}

type Reasoning struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	OllamaURL   string        `yaml:"ollama_url"`
	OpenAIModel string        `yaml:"openai_model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     Duration      `yaml:"timeout"`

	EmbeddingModel string `yaml:"embedding_model"`
}

type Dedup struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	WindowSize          int     `yaml:"window_size"`
}

type Filter struct {
	KeepThreshold    float64            `yaml:"keep_threshold"`
	BaseScore        float64            `yaml:"base_score"`
	MinContentLength int                `yaml:"min_content_length"`
	Keywords         []string           `yaml:"keywords"`
	KeywordBoost     float64            `yaml:"keyword_boost"`
	ExcludedTopics   []string           `yaml:"excluded_topics"`
	SourceWeights    map[string]float64 `yaml:"source_weights"`
}

type Verify struct {
	StageTimeout Duration      `yaml:"stage_timeout"`
	FactWeight   float64       `yaml:"fact_weight"`
	BiasWeight   float64       `yaml:"bias_weight"`
	ToneWeight   float64       `yaml:"tone_weight"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   Duration      `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for insightweaver.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "insightweaver")
}

// DataDir returns the XDG data directory for insightweaver.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "insightweaver")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/insightweaver/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'insightweaver init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Fetch: Fetch{
			Workers:       4,
			FeedTimeout:   Duration(20 * time.Second),
			EnrichContent: true,
		},
		Reasoning: Reasoning{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			Temperature:    0.3,
			MaxTokens:      1024,
			Timeout:        Duration(120 * time.Second),
			EmbeddingModel: "nomic-embed-text",
		},
		Dedup: Dedup{
			SimilarityThreshold: 0.92,
			WindowSize:          512,
		},
		Filter: Filter{
			KeepThreshold:    0.35,
			BaseScore:        0.5,
			MinContentLength: 80,
			KeywordBoost:     0.15,
		},
		Verify: Verify{
			StageTimeout: Duration(60 * time.Second),
			FactWeight:   0.5,
			BiasWeight:   0.3,
			ToneWeight:   0.2,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			Factor:      2.0,
			Jitter:      0.2,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants that must hold before any pipeline stage starts.
// Violations are ConfigErrors: fatal, nothing runs.
func (c *Config) Validate() error {
	if c.Reasoning.Provider != "ollama" && c.Reasoning.Provider != "openai" {
		return &ConfigError{Field: "reasoning.provider", Reason: fmt.Sprintf("unknown provider %q", c.Reasoning.Provider)}
	}
	if c.Reasoning.Provider == "openai" {
		if c.Reasoning.APIKeyEnv == "" {
			return &ConfigError{Field: "reasoning.api_key_env", Reason: "required for the openai provider"}
		}
		if os.Getenv(c.Reasoning.APIKeyEnv) == "" {
			return &ConfigError{Field: "reasoning.api_key_env", Reason: fmt.Sprintf("environment variable %s is not set", c.Reasoning.APIKeyEnv)}
		}
	}
	if t := c.Dedup.SimilarityThreshold; t <= 0 || t > 1 {
		return &ConfigError{Field: "dedup.similarity_threshold", Reason: "must be in (0, 1]"}
	}
	if c.Dedup.WindowSize <= 0 {
		return &ConfigError{Field: "dedup.window_size", Reason: "must be positive"}
	}
	if t := c.Filter.KeepThreshold; t < 0 || t > 1 {
		return &ConfigError{Field: "filter.keep_threshold", Reason: "must be in [0, 1]"}
	}
	if c.Fetch.Workers <= 0 {
		return &ConfigError{Field: "fetch.workers", Reason: "must be positive"}
	}
	if c.Retry.MaxAttempts <= 0 {
		return &ConfigError{Field: "retry.max_attempts", Reason: "must be positive"}
	}
	if c.Verify.FactWeight <= 0 || c.Verify.BiasWeight <= 0 || c.Verify.ToneWeight <= 0 {
		return &ConfigError{Field: "verify", Reason: "stage weights must be positive"}
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
