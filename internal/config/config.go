package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	// DefaultRoute names the route used when the caller does not pick one
	DefaultRoute string `yaml:"default_route"`
	// Routes lists the proxy routes available to the CLI
	Routes []RouteConfig `yaml:"routes"`
	MCP    MCPConfig     `yaml:"mcp"`
}

// RouteConfig binds a name to a route-specific proxy endpoint
type RouteConfig struct {
	Name    string `yaml:"name"`     // Unique route identifier
	BaseURL string `yaml:"base_url"` // Route-qualified endpoint, e.g. https://worker.example.com/fast
	APIKey  string `yaml:"api_key"`  // Opaque bearer token, ${VAR} supported
	Model   string `yaml:"model"`    // Opaque, interpreted by the route config server-side
	Stream  bool   `yaml:"stream"`   // Stream responses by default on this route
}

// MCPConfig contains MCP-specific settings
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig defines a single MCP server
type MCPServerConfig struct {
	Name      string            `yaml:"name"`      // Unique server identifier
	Transport string            `yaml:"transport"` // "stdio" (only supported initially)
	Command   string            `yaml:"command"`   // Executable to run
	Args      []string          `yaml:"args"`      // Command arguments
	Env       map[string]string `yaml:"env"`       // Environment variables with ${VAR} support
	Disabled  bool              `yaml:"disabled"`  // Skip this server if true
}

// Load reads and parses the YAML config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with fallback to default locations
// Checks: ./relay.yaml, ./configs/relay.yaml, ~/.config/relay/relay.yaml,
// /etc/relay/relay.yaml
func LoadWithDefaults() (*Config, error) {
	locations := []string{
		"./relay.yaml",
		"./configs/relay.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "relay", "relay.yaml"))
	}

	locations = append(locations, "/etc/relay/relay.yaml")

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return Load(loc)
		}
	}

	// No config found - return empty config (not an error)
	return &Config{}, nil
}

// expand applies environment variable expansion to credential-bearing fields
func (c *Config) expand() {
	for i := range c.Routes {
		c.Routes[i].BaseURL = ExpandEnv(c.Routes[i].BaseURL)
		c.Routes[i].APIKey = ExpandEnv(c.Routes[i].APIKey)
	}
	for i := range c.MCP.Servers {
		c.MCP.Servers[i].Env = ExpandEnvMap(c.MCP.Servers[i].Env)
	}
}

// Route returns the route config with the given name. An empty name selects
// the default route, or the only configured route when no default is set.
func (c *Config) Route(name string) (*RouteConfig, error) {
	if name == "" {
		name = c.DefaultRoute
	}
	if name == "" {
		if len(c.Routes) == 1 {
			return &c.Routes[0], nil
		}
		return nil, fmt.Errorf("no route selected and no default_route configured")
	}

	for i := range c.Routes {
		if c.Routes[i].Name == name {
			return &c.Routes[i], nil
		}
	}
	return nil, fmt.Errorf("route %s not found", name)
}

// Validate checks config correctness
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i, route := range c.Routes {
		if route.Name == "" {
			return fmt.Errorf("route #%d: name cannot be empty", i+1)
		}

		if names[route.Name] {
			return fmt.Errorf("duplicate route name: %s", route.Name)
		}
		names[route.Name] = true

		if err := route.Validate(); err != nil {
			return fmt.Errorf("route %s: %w", route.Name, err)
		}
	}

	if c.DefaultRoute != "" && !names[c.DefaultRoute] {
		return fmt.Errorf("default_route %s is not a configured route", c.DefaultRoute)
	}

	return c.validateMCP()
}

// Validate checks a single route config
func (r *RouteConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}

	for _, ch := range r.Name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' || ch == '-') {
			return fmt.Errorf("route name '%s' contains invalid character '%c' (only alphanumeric, underscore, and hyphen allowed)", r.Name, ch)
		}
	}

	if r.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if r.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}

	return nil
}

func (c *Config) validateMCP() error {
	if len(c.MCP.Servers) == 0 {
		return nil
	}

	names := make(map[string]bool)
	for i, server := range c.MCP.Servers {
		if server.Name == "" {
			return fmt.Errorf("server #%d: name cannot be empty", i+1)
		}

		if names[server.Name] {
			return fmt.Errorf("duplicate server name: %s", server.Name)
		}
		names[server.Name] = true

		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %s: %w", server.Name, err)
		}
	}

	return nil
}

// Validate checks a single server config
func (s *MCPServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	// Validate server name matches OpenAI tool name requirements
	// Pattern: ^[a-zA-Z0-9_-]+$
	for _, ch := range s.Name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' || ch == '-') {
			return fmt.Errorf("server name '%s' contains invalid character '%c' (only alphanumeric, underscore, and hyphen allowed)", s.Name, ch)
		}
	}

	if s.Transport == "" {
		return fmt.Errorf("transport is required")
	}

	if s.Transport != "stdio" {
		return fmt.Errorf("unsupported transport: %s (only 'stdio' is supported)", s.Transport)
	}

	if s.Command == "" {
		return fmt.Errorf("command is required")
	}

	return nil
}
