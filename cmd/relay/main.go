package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"relay/internal/cli"
	"relay/internal/config"
	"relay/internal/llm"
	"relay/internal/llm/proxy"
	"relay/internal/logger"
	"relay/internal/mcp"
	"relay/internal/session"
	"relay/internal/tool"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	routeName   string
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature float32
	maxTurns    int
	streamMode  bool
	noTools     bool
	verbose     bool
	noColor     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Client for an OpenAI-compatible AI worker proxy",
		Long:  "Relay talks to an AI worker proxy through named routes; each route selects backend model and behavior server-side.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to relay.yaml (default: search standard locations)")

	chatCmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a chat completion over a named route",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}

	chatCmd.Flags().StringVar(&routeName, "route", "", "Named route from the config (default: default_route)")
	chatCmd.Flags().StringVar(&baseURL, "base-url", os.Getenv("RELAY_BASE_URL"), "Route-qualified base URL (bypasses the config)")
	chatCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("RELAY_API_KEY"), "Proxy bearer token")
	chatCmd.Flags().StringVar(&model, "model", "", "Model name (opaque, interpreted by the route config)")
	chatCmd.Flags().StringVar(&system, "system", "", "System prompt")
	chatCmd.Flags().Float32Var(&temperature, "temperature", 0.7, "Temperature")
	chatCmd.Flags().IntVar(&maxTurns, "max-turns", 10, "Maximum conversation turns")
	chatCmd.Flags().BoolVar(&streamMode, "stream", false, "Stream the response as it arrives")
	chatCmd.Flags().BoolVar(&noTools, "no-tools", false, "Skip MCP servers and tool declarations")
	chatCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose output (debug mode)")
	chatCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "List configured routes",
		RunE:  runRoutes,
	}

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by the configured MCP servers",
		RunE:  runTools,
	}
	toolsCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose output (debug mode)")

	rootCmd.AddCommand(chatCmd, routesCmd, toolsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadWithDefaults()
}

// resolveRoute picks the route endpoint: an explicit --base-url wins,
// otherwise the named (or default) route from the config.
func resolveRoute(cfg *config.Config) (*config.RouteConfig, error) {
	if baseURL != "" {
		if apiKey == "" {
			return nil, fmt.Errorf("proxy api key required (set RELAY_API_KEY or use --api-key)")
		}
		return &config.RouteConfig{
			Name:    "cli",
			BaseURL: baseURL,
			APIKey:  apiKey,
			Model:   model,
		}, nil
	}

	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("no routes configured (create relay.yaml or pass --base-url)")
	}

	rc, err := cfg.Route(routeName)
	if err != nil {
		return nil, err
	}

	resolved := *rc
	if apiKey != "" {
		resolved.APIKey = apiKey
	}
	return &resolved, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")

	logLevel := logger.LevelInfo
	if verbose {
		logLevel = logger.LevelDebug
	}
	log := logger.NewLogger(os.Stdout, logLevel)
	if noColor {
		log.SetColorMode(false)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rc, err := resolveRoute(cfg)
	if err != nil {
		return err
	}

	mdl := rc.Model
	if model != "" {
		mdl = model
	}
	if mdl == "" {
		// Model selection lives in the route config server-side.
		mdl = "default"
	}

	client := proxy.NewClient(rc.BaseURL, rc.APIKey, mdl)
	log.Debug("Using route %s (%s, model %s)", client.Route(), rc.BaseURL, mdl)

	ctx := cmd.Context()

	registry := tool.NewRegistry()
	if !noTools && len(cfg.MCP.Servers) > 0 {
		manager := mcp.NewManager(registry)
		if err := manager.Initialize(ctx, cfg.MCP); err != nil {
			log.Error("MCP initialization: %v", err)
			if registry.Len() == 0 {
				return err
			}
		}
		defer manager.Close()
		log.Debug("Registered %d MCP tool(s)", registry.Len())
	}

	if streamMode || rc.Stream {
		return runStreamingChat(ctx, client, registry, prompt, log)
	}

	sess := session.New(client, registry, &session.Config{
		SystemPrompt: system,
		Temperature:  temperature,
		MaxTurns:     maxTurns,
	})

	if _, err := sess.Run(ctx, &session.Input{Prompt: prompt, Logger: log}); err != nil {
		return err
	}
	return nil
}

// runStreamingChat performs a single streamed exchange, rendering fragments
// as they arrive. Requested tool invocations are surfaced at the end of the
// stream but not executed in this mode.
func runStreamingChat(ctx context.Context, client llm.Client, registry *tool.Registry, prompt string, log *logger.Logger) error {
	writer := cli.NewStreamingWriter(os.Stdout)
	if noColor {
		writer.SetColorMode(false)
	}
	renderer := cli.NewStreamRenderer(writer)
	renderer.SetShowReason(verbose)

	messages := []llm.Message{}
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	reader, err := client.ChatStream(ctx, &llm.ChatRequest{
		Messages:    messages,
		Tools:       registry.Definitions(),
		Temperature: temperature,
	})
	if err != nil {
		return err
	}

	msg, err := renderer.StreamContent(ctx, reader)
	if err != nil {
		return fmt.Errorf("streaming failed: %w", err)
	}

	for _, tc := range msg.ToolCalls {
		log.ToolCall(tc.Function.Name, tc.Function.Arguments)
	}

	return nil
}

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Routes) == 0 {
		fmt.Println("No routes configured.")
		return nil
	}

	for _, rc := range cfg.Routes {
		marker := " "
		if rc.Name == cfg.DefaultRoute {
			marker = "*"
		}
		mdl := rc.Model
		if mdl == "" {
			mdl = "(route default)"
		}
		fmt.Printf("%s %-16s %-40s model=%s\n", marker, rc.Name, rc.BaseURL, mdl)
	}
	return nil
}

func runTools(cmd *cobra.Command, args []string) error {
	logLevel := logger.LevelInfo
	if verbose {
		logLevel = logger.LevelDebug
	}
	log := logger.NewLogger(os.Stderr, logLevel)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.MCP.Servers) == 0 {
		fmt.Println("No MCP servers configured.")
		return nil
	}

	registry := tool.NewRegistry()
	manager := mcp.NewManager(registry)
	if err := manager.Initialize(cmd.Context(), cfg.MCP); err != nil {
		log.Error("MCP initialization: %v", err)
		if registry.Len() == 0 {
			return err
		}
	}
	defer manager.Close()

	tools := registry.List()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	for _, t := range tools {
		desc := t.Description()
		if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
			desc = desc[:idx]
		}
		fmt.Printf("%-32s %s\n", t.Name(), desc)
	}
	return nil
}
