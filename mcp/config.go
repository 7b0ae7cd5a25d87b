// Package mcp connects to Model Context Protocol servers and exposes their
// tools through the agent's tool registry.
package mcp

import (
	"errors"
	"time"
)

// DefaultStartupTimeout bounds the handshake with one server.
const DefaultStartupTimeout = 10 * time.Second

// ServerConfig describes one MCP server. Exactly one of Command (stdio) and
// URL (streamable HTTP) is set.
type ServerConfig struct {
	Enabled           bool              `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	StartupTimeoutSec float64           `json:"startup_timeout_sec" mapstructure:"startup_timeout_sec" yaml:"startup_timeout_sec" validate:"gte=0"`
	Command           string            `json:"command,omitempty" mapstructure:"command" yaml:"command,omitempty"`
	Args              []string          `json:"args,omitempty" mapstructure:"args" yaml:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty" mapstructure:"env" yaml:"env,omitempty"`
	Cwd               string            `json:"cwd,omitempty" mapstructure:"cwd" yaml:"cwd,omitempty"`
	URL               string            `json:"url,omitempty" mapstructure:"url" yaml:"url,omitempty" validate:"omitempty,url"`
	Headers           map[string]string `json:"headers,omitempty" mapstructure:"headers" yaml:"headers,omitempty"`
}

// Transport returns "stdio" or "http".
func (c ServerConfig) Transport() string {
	if c.URL != "" {
		return "http"
	}
	return "stdio"
}

// StartupTimeout returns the connection budget of the server.
func (c ServerConfig) StartupTimeout() time.Duration {
	if c.StartupTimeoutSec <= 0 {
		return DefaultStartupTimeout
	}
	return time.Duration(c.StartupTimeoutSec * float64(time.Second))
}

// Validate checks that exactly one transport is configured.
func (c ServerConfig) Validate() error {
	switch {
	case c.Command == "" && c.URL == "":
		return errors.New("either command or url is required")
	case c.Command != "" && c.URL != "":
		return errors.New("command and url are mutually exclusive")
	}
	return nil
}
