// Package config loads magnet settings.
//
// Precedence, lowest first: built-in defaults, the global file
// ($XDG_CONFIG_HOME/magnet/config.yaml), the project file
// (./.magnet/config.yaml), MAGNET_* environment variables, then explicit
// overrides from command-line flags. API keys come only from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/hooks"
	"github.com/martinemde/magnet/mcp"
	"github.com/martinemde/magnet/unifiedllm"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	appName  = "magnet"
	fileName = "config.yaml"
)

// ModelConfig selects the model and provider.
type ModelConfig struct {
	Name              string  `mapstructure:"name" yaml:"name" validate:"required"`
	Provider          string  `mapstructure:"provider" yaml:"provider" validate:"oneof=openai anthropic ollama gollm"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	ContextWindow     int     `mapstructure:"context_window" yaml:"context_window" validate:"gt=0"`
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url,omitempty" validate:"omitempty,url"`
	MaxTokens         int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty" validate:"gte=0"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute" yaml:"requests_per_minute,omitempty" validate:"gte=0"`
	// Backend is the gollm provider used when Provider is gollm.
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

// Secrets are read from the environment only and never written to disk.
type Secrets struct {
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	BaseURL         string `env:"MAGNET_BASE_URL"`
	FallbackBaseURL string `env:"BASE_URL"`
}

// Config holds every magnet setting.
type Config struct {
	Model                 ModelConfig                    `mapstructure:"model" yaml:"model"`
	Retry                 RetryConfig                    `mapstructure:"retry" yaml:"retry"`
	MaxTurns              int                            `mapstructure:"max_turns" yaml:"max_turns" validate:"gte=1"`
	MaxSubagentDepth      int                            `mapstructure:"max_subagent_depth" yaml:"max_subagent_depth" validate:"gte=0"`
	Approval              string                         `mapstructure:"approval" yaml:"approval" validate:"oneof=on-request on-failure auto auto-edit never yolo"`
	AllowedTools          []string                       `mapstructure:"allowed_tools" yaml:"allowed_tools,omitempty"`
	MaxToolOutputTokens   int                            `mapstructure:"max_tool_output_tokens" yaml:"max_tool_output_tokens" validate:"gte=1"`
	ShellEnvironment      agentloop.EnvPolicy            `mapstructure:"shell_environment" yaml:"shell_environment"`
	MCPServers            map[string]mcp.ServerConfig    `mapstructure:"mcp_servers" yaml:"mcp_servers,omitempty" validate:"dive"`
	HooksEnabled          bool                           `mapstructure:"hooks_enabled" yaml:"hooks_enabled"`
	Hooks                 []hooks.Hook                   `mapstructure:"hooks" yaml:"hooks,omitempty" validate:"dive"`
	Subagents             []agentloop.SubagentDefinition `mapstructure:"subagents" yaml:"subagents,omitempty" validate:"dive"`
	DeveloperInstructions string                         `mapstructure:"developer_instructions" yaml:"developer_instructions,omitempty"`
	UserInstructions      string                         `mapstructure:"user_instructions" yaml:"user_instructions,omitempty"`
	DataDir               string                         `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel              string                         `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn warning error"`
	Debug                 bool                           `mapstructure:"debug" yaml:"debug"`

	Secrets Secrets `mapstructure:"-" yaml:"-"`
}

// Options locate the config files and carry flag overrides. Empty paths
// fall back to GlobalPath and ProjectPath.
type Options struct {
	GlobalPath  string
	ProjectPath string
	// Overrides are dotted keys (for example "model.name") set by flags.
	Overrides map[string]any
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:          unifiedllm.DefaultModel,
			Provider:      "openai",
			Temperature:   1.0,
			ContextWindow: 400000,
		},
		Retry:               RetryConfig{MaxRetries: 3},
		MaxTurns:            100,
		MaxSubagentDepth:    1,
		Approval:            string(agentloop.PolicyOnRequest),
		MaxToolOutputTokens: 50000,
		ShellEnvironment:    agentloop.DefaultEnvPolicy(),
		DataDir:             DefaultDataDir(),
		LogLevel:            "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.temperature", d.Model.Temperature)
	v.SetDefault("model.context_window", d.Model.ContextWindow)
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.max_tokens", 0)
	v.SetDefault("model.requests_per_minute", 0)
	v.SetDefault("model.backend", "")
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("max_turns", d.MaxTurns)
	v.SetDefault("max_subagent_depth", d.MaxSubagentDepth)
	v.SetDefault("approval", d.Approval)
	v.SetDefault("allowed_tools", []string{})
	v.SetDefault("max_tool_output_tokens", d.MaxToolOutputTokens)
	v.SetDefault("shell_environment.ignore_default_excludes", false)
	v.SetDefault("shell_environment.exclude_patterns", d.ShellEnvironment.ExcludePatterns)
	v.SetDefault("hooks_enabled", false)
	v.SetDefault("developer_instructions", "")
	v.SetDefault("user_instructions", "")
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("debug", false)
}

// Load reads the configuration with full precedence and validates it.
func Load(opts Options) (*Config, error) {
	globalPath := opts.GlobalPath
	if globalPath == "" {
		globalPath = GlobalPath()
	}
	projectPath := opts.ProjectPath
	if projectPath == "" {
		projectPath = ProjectPath()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("MAGNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var files []string
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
		files = append(files, globalPath)
	}
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
		files = append(files, projectPath)
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := restoreKeyCase(&cfg, files); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("reading secrets from environment: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// rawFile holds the parts of a config file whose map keys are
// case-sensitive. Viper lowercases every key it reads.
type rawFile struct {
	MCPServers       map[string]mcp.ServerConfig `yaml:"mcp_servers"`
	ShellEnvironment struct {
		SetVars map[string]string `yaml:"set_vars"`
	} `yaml:"shell_environment"`
}

// restoreKeyCase renames the lowercased map keys of cfg back to the
// spelling used in files. Values are kept so environment and flag
// overrides survive.
func restoreKeyCase(cfg *Config, files []string) error {
	var (
		servers = map[string]string{}
		vars    = map[string]string{}
		envs    = map[string]map[string]string{}
		headers = map[string]map[string]string{}
	)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		var raw rawFile
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		for k := range raw.ShellEnvironment.SetVars {
			vars[strings.ToLower(k)] = k
		}
		for name, srv := range raw.MCPServers {
			lower := strings.ToLower(name)
			servers[lower] = name
			addOriginals(envs, lower, srv.Env)
			addOriginals(headers, lower, srv.Headers)
		}
	}

	cfg.ShellEnvironment.SetVars = rename(cfg.ShellEnvironment.SetVars, vars)
	if len(cfg.MCPServers) > 0 {
		fixed := make(map[string]mcp.ServerConfig, len(cfg.MCPServers))
		for lower, srv := range cfg.MCPServers {
			srv.Env = rename(srv.Env, envs[lower])
			srv.Headers = rename(srv.Headers, headers[lower])
			name := lower
			if orig, ok := servers[lower]; ok {
				name = orig
			}
			fixed[name] = srv
		}
		cfg.MCPServers = fixed
	}
	return nil
}

func addOriginals(dst map[string]map[string]string, server string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	if dst[server] == nil {
		dst[server] = map[string]string{}
	}
	for k := range m {
		dst[server][strings.ToLower(k)] = k
	}
}

func rename[V any](m map[string]V, originals map[string]string) map[string]V {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		if orig, ok := originals[k]; ok {
			k = orig
		}
		out[k] = v
	}
	return out
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.MCPServers[name].Validate(); err != nil {
			return fmt.Errorf("%w: mcp server %q: %v", ErrInvalid, name, err)
		}
	}
	for _, h := range c.Hooks {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	seen := map[string]bool{}
	for _, d := range c.Subagents {
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate subagent %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// ApprovalPolicy returns the parsed approval policy.
func (c *Config) ApprovalPolicy() agentloop.ApprovalPolicy {
	p, err := agentloop.ParseApprovalPolicy(c.Approval)
	if err != nil {
		return agentloop.PolicyOnRequest
	}
	return p
}

// APIKey returns the key for the configured provider. For gollm the key of
// its backend is used; other backends read their own variables.
func (c *Config) APIKey() string {
	provider := c.Model.Provider
	if provider == "gollm" {
		provider = c.GollmBackend()
	}
	switch provider {
	case "anthropic":
		return c.Secrets.AnthropicAPIKey
	case "openai":
		return c.Secrets.OpenAIAPIKey
	default:
		return ""
	}
}

// GollmBackend returns the gollm provider, defaulting to openai.
func (c *Config) GollmBackend() string {
	if c.Model.Backend == "" {
		return "openai"
	}
	return c.Model.Backend
}

// BaseURL returns the provider endpoint override, if any. The environment
// wins over the file.
func (c *Config) BaseURL() string {
	switch {
	case c.Secrets.BaseURL != "":
		return c.Secrets.BaseURL
	case c.Secrets.FallbackBaseURL != "":
		return c.Secrets.FallbackBaseURL
	default:
		return c.Model.BaseURL
	}
}

// LogPath is the log file under the data directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", appName+".log")
}

// MemoryPath is the sqlite database of the memory tool.
func (c *Config) MemoryPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// GlobalPath returns $XDG_CONFIG_HOME/magnet/config.yaml, defaulting to
// ~/.config.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, fileName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName, fileName)
}

// ProjectPath returns the project config path relative to the working
// directory.
func ProjectPath() string {
	return filepath.Join("."+appName, fileName)
}

// DefaultDataDir returns $XDG_DATA_HOME/magnet, defaulting to
// ~/.local/share.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

// Marshal renders cfg as YAML. Secrets are never included.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Write saves cfg to path, creating parent directories. It refuses to
// overwrite an existing file unless force is set.
func Write(path string, cfg *Config, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
