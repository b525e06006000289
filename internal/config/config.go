// Package config handles nakari configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nakari/config.yaml, /etc/nakari/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nakari", "config.yaml"))
	}

	paths = append(paths, "/etc/nakari/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all nakari configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
	LLM        LLMConfig        `yaml:"llm"`
	Context    ContextConfig    `yaml:"context"`
	Agent      AgentConfig      `yaml:"agent"`
	Timer      TimerConfig      `yaml:"timer"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Search     SearchConfig     `yaml:"search"`
	Listen     ListenConfig     `yaml:"listen"`
	CLI        CLIConfig        `yaml:"cli"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`

	// Pricing maps model names to per-million token costs for the
	// usage ledger. Models not listed are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the cost of one model in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// LLMConfig selects the chat completion backend.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "ollama".
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	OllamaURL string        `yaml:"ollama_url"`
	Timeout   time.Duration `yaml:"timeout"`

	// Models maps additional model names to a provider so a tool or a
	// future router can address them by name.
	Models map[string]string `yaml:"models"`
}

// ContextConfig holds the transcript token thresholds.
type ContextConfig struct {
	MaxTokens    int `yaml:"max_tokens"`
	TargetTokens int `yaml:"target_tokens"`
}

// AgentConfig tunes the decision loop.
type AgentConfig struct {
	DefaultMaxToolCalls int           `yaml:"default_max_tool_calls"`
	BudgetExemptTools   []string      `yaml:"budget_exempt_tools"`
	ErrorBackoff        time.Duration `yaml:"error_backoff"`
	PersonaFile         string        `yaml:"persona_file"`
}

// TimerConfig tunes the timer runner.
type TimerConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "openai" or "ollama"
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// MemoryConfig defines the vector memory store.
type MemoryConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	Collection string `yaml:"collection"`
	CacheSize  int    `yaml:"cache_size"`
}

// SearchConfig configures web search providers. Each provider is
// optional; Default names the one used when the model does not pick.
type SearchConfig struct {
	Default string        `yaml:"default"`
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
	Tavily  TavilyConfig  `yaml:"tavily"`
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds Brave Search API credentials.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// TavilyConfig holds Tavily API credentials.
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// CLIConfig controls the interactive console producer.
type CLIConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	HistoryFile string `yaml:"history_file"`
}

// MQTTConfig configures the MQTT bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	DeviceName      string        `yaml:"device_name"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker URL was supplied.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MCPConfig lists external MCP servers whose tools are bridged in.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server. Exactly one of Command or
// URL must be set.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Include []string          `yaml:"include"`
	Exclude []string          `yaml:"exclude"`
}

// MemoryEnabled reports whether the vector memory store should be
// constructed. It follows Embeddings.Enabled unless set explicitly.
func (c *Config) MemoryEnabled() bool {
	if c.Memory.Enabled != nil {
		return *c.Memory.Enabled && c.Embeddings.Enabled
	}
	return c.Embeddings.Enabled
}

// CLIEnabled reports whether the interactive console is started.
func (c *Config) CLIEnabled() bool {
	return c.CLI.Enabled == nil || *c.CLI.Enabled
}

// Load reads configuration from a YAML file. Environment variables
// in the form ${VAR} are expanded before parsing, defaults are filled
// in and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	c.Agent.PersonaFile = expandHome(c.Agent.PersonaFile)
	c.CLI.HistoryFile = expandHome(c.CLI.HistoryFile)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.OllamaURL == "" {
		c.LLM.OllamaURL = "http://localhost:11434"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 120 * time.Second
	}

	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = 120000
	}
	if c.Context.TargetTokens <= 0 {
		c.Context.TargetTokens = 80000
	}

	if c.Agent.DefaultMaxToolCalls <= 0 {
		c.Agent.DefaultMaxToolCalls = 30
	}
	if c.Agent.BudgetExemptTools == nil {
		c.Agent.BudgetExemptTools = []string{"mailbox_done", "mailbox_list", "mailbox_wait"}
	}
	if c.Agent.ErrorBackoff <= 0 {
		c.Agent.ErrorBackoff = time.Second
	}

	if c.Timer.CheckInterval <= 0 {
		c.Timer.CheckInterval = 10 * time.Second
	}
	if c.Timer.MaxConsecutiveErrors <= 0 {
		c.Timer.MaxConsecutiveErrors = 5
	}
	if c.Timer.ErrorBackoff <= 0 {
		c.Timer.ErrorBackoff = 60 * time.Second
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = c.LLM.Provider
	}
	if c.Embeddings.BaseURL == "" {
		if c.Embeddings.Provider == "ollama" {
			c.Embeddings.BaseURL = c.LLM.OllamaURL
		} else {
			c.Embeddings.BaseURL = c.LLM.BaseURL
		}
	}
	if c.Embeddings.APIKey == "" {
		c.Embeddings.APIKey = c.LLM.APIKey
	}
	if c.Embeddings.Model == "" {
		if c.Embeddings.Provider == "ollama" {
			c.Embeddings.Model = "nomic-embed-text"
		} else {
			c.Embeddings.Model = "text-embedding-3-small"
		}
	}

	if c.Memory.Collection == "" {
		c.Memory.Collection = "memories"
	}
	if c.Memory.CacheSize <= 0 {
		c.Memory.CacheSize = 512
	}

	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}

	if c.CLI.HistoryFile == "" {
		c.CLI.HistoryFile = filepath.Join(c.DataDir, "cli_history")
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "nakari"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}
}

// Validate checks the configuration for values that would fail later
// in a less obvious way.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}

	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("llm.provider %q invalid (expected openai or ollama)", c.LLM.Provider)
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing[%s]: costs must not be negative", model)
		}
	}
	for model, provider := range c.LLM.Models {
		if provider != "openai" && provider != "ollama" {
			return fmt.Errorf("llm.models[%s]: provider %q invalid", model, provider)
		}
	}

	if c.Context.TargetTokens > c.Context.MaxTokens {
		return fmt.Errorf("context.target_tokens (%d) must not exceed context.max_tokens (%d)",
			c.Context.TargetTokens, c.Context.MaxTokens)
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	if c.Search.Default != "" {
		switch c.Search.Default {
		case "searxng", "brave", "tavily":
		default:
			return fmt.Errorf("search.default %q invalid (expected searxng, brave or tavily)", c.Search.Default)
		}
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("mcp.servers[%s]: exactly one of command or url must be set", s.Name)
		}
	}

	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
