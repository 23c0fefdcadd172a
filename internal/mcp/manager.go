package mcp

import (
	"context"
	"fmt"
	"sync"

	"relay/internal/config"
	"relay/internal/tool"
)

// Manager coordinates multiple MCP servers and registers their tools
type Manager struct {
	clients  map[string]*Client
	registry *tool.Registry
	mu       sync.RWMutex
}

// NewManager creates a new MCP manager
func NewManager(registry *tool.Registry) *Manager {
	return &Manager{
		clients:  make(map[string]*Client),
		registry: registry,
	}
}

// Initialize starts all MCP servers from config. Servers start
// concurrently; partial failure is tolerated as long as at least one
// server comes up.
func (m *Manager) Initialize(ctx context.Context, cfg config.MCPConfig) error {
	if len(cfg.Servers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(cfg.Servers))
	successChan := make(chan string, len(cfg.Servers))

	for _, serverCfg := range cfg.Servers {
		if serverCfg.Disabled {
			continue
		}

		wg.Add(1)
		go func(cfg config.MCPServerConfig) {
			defer wg.Done()
			if err := m.startServer(ctx, cfg); err != nil {
				errChan <- fmt.Errorf("server %s: %w", cfg.Name, err)
			} else {
				successChan <- cfg.Name
			}
		}(serverCfg)
	}

	wg.Wait()
	close(errChan)
	close(successChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	var successNames []string
	for name := range successChan {
		successNames = append(successNames, name)
	}

	if len(errs) > 0 && len(successNames) == 0 {
		return fmt.Errorf("all MCP servers failed to initialize: %v", errs)
	}

	// Partial failure is acceptable - we'll work with available servers
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed (loaded %d/%d): %v", len(successNames), len(successNames)+len(errs), errs)
	}

	return nil
}

// startServer connects a single MCP server and registers its tools
func (m *Manager) startServer(ctx context.Context, serverCfg config.MCPServerConfig) error {
	client, err := NewClient(ctx, serverCfg.Name, serverCfg.Command, serverCfg.Args, serverCfg.Env)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mcpTool := range client.Tools() {
		adapter := NewToolAdapter(client, mcpTool)

		if err := m.registry.Register(adapter); err != nil {
			client.Close()
			return fmt.Errorf("failed to register tool %s: %w", adapter.Name(), err)
		}
	}

	m.clients[serverCfg.Name] = client

	return nil
}

// Close shuts down all MCP servers
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(m.clients))

	for name, client := range m.clients {
		wg.Add(1)
		go func(name string, c *Client) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				errChan <- fmt.Errorf("server %s: %w", name, err)
			}
		}(name, client)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	m.clients = make(map[string]*Client)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing servers: %v", errs)
	}

	return nil
}

// ListServers returns all active server names
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}
