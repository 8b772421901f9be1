// surf is an MCP server that drives a real Chromium over raw CDP.
// The stdio transport is the MCP wire, so all logging goes to files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"surf/internal/artifacts"
	"surf/internal/cdp"
	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/memory"
	"surf/internal/observability"
	"surf/internal/redact"
	"surf/internal/server"
	"surf/internal/session"
	"surf/internal/tools"
	"surf/internal/tools/builtin"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flagMode     string
		flagProfile  string
		flagHeadless bool
		flagBinary   string
		flagPort     int
	)

	root := &cobra.Command{
		Use:   "surf",
		Short: "Browser automation MCP server over raw CDP",
		Long: "surf exposes a browser-driving toolset over the MCP stdio transport:\n" +
			"navigation, perception, batched runs with interpolation and recovery,\n" +
			"agent memory and artifacts.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(flagMode, flagProfile, flagBinary, flagPort, cmd.Flags().Changed("headless"), flagHeadless)
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&flagMode, "mode", "", "browser mode: launch, attach or extension (overrides MCP_BROWSER_MODE)")
	root.PersistentFlags().StringVar(&flagProfile, "profile", "", "timeout profile: fast, default or slow")
	root.PersistentFlags().BoolVar(&flagHeadless, "headless", false, "run the browser headless")
	root.PersistentFlags().StringVar(&flagBinary, "binary", "", "browser executable path (overrides MCP_BROWSER_BINARY)")
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "devtools port (overrides MCP_BROWSER_PORT)")

	root.AddCommand(newCatalogCmd(&flagMode, &flagProfile))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads .env then the environment, and applies flag overrides.
func loadConfig(mode, profile, binary string, port int, headlessSet, headless bool) config.Config {
	_ = godotenv.Load()
	cfg := config.Load()
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if profile != "" {
		cfg.TimeoutProfile = config.TimeoutProfile(profile)
	}
	if binary != "" {
		cfg.BrowserBinary = binary
	}
	if port > 0 {
		cfg.BrowserPort = port
	}
	if headlessSet {
		cfg.Headless = headless
	}
	return cfg
}

func serve(parent context.Context, cfg config.Config) error {
	redact.ExtendSensitiveKeys(cfg.SensitiveKeys)
	logging.SetSanitizer(redact.SanitizeLine)
	if cfg.Trace {
		logging.SetDefaultLevel(logging.DEBUG)
	}
	logger := logging.NewComponentLogger("surf")

	if cfg.DumpFrames {
		dir := cfg.DumpFramesDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "surf-frames")
		}
		if err := cdp.EnableFrameDump(dir); err != nil {
			logger.Warn("frame dump: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, manager, memStore := buildStack(cfg, logger)

	if cfg.AgentMemoryDir != "" {
		if loaded, _, err := memStore.Load(cfg.AgentMemoryDir, false); err != nil {
			logger.Warn("agent memory load: %v", err)
		} else if loaded > 0 {
			logger.Info("agent memory: %d entries loaded", loaded)
		}
	}

	if cfg.MetricsAddr != "" {
		go observability.Serve(ctx, cfg.MetricsAddr, logger)
	}

	srv := server.New(registry, logger)
	logger.Info("surf %s: stdio server up (mode=%s, toolset=%s, %d tools)",
		server.Version, cfg.Mode, cfg.Toolset, len(registry.List()))
	err := srv.Serve(ctx)

	if cfg.AgentMemoryDir != "" {
		if saved, skipped, saveErr := memStore.Save(cfg.AgentMemoryDir, false); saveErr != nil {
			logger.Warn("agent memory save: %v", saveErr)
		} else {
			logger.Info("agent memory: %d entries saved, %d sensitive skipped", saved, skipped)
		}
	}
	manager.Shutdown()
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown on signal
	}
	return err
}

// buildStack wires the process-wide singletons in dependency order.
func buildStack(cfg config.Config, logger logging.Logger) (*tools.Registry, *session.Manager, *memory.Store) {
	launcher := cdp.NewLauncher(cfg, logging.NewComponentLogger("cdp"))
	manager := session.NewManager(cfg, launcher, logging.NewComponentLogger("session"))
	memStore, err := memory.NewStore(memory.DefaultMaxKeys, memory.DefaultMaxBytes, logging.NewComponentLogger("memory"))
	if err != nil {
		// Only reachable with a non-positive LRU size, which the defaults prevent.
		panic(err)
	}
	artStore := artifacts.NewStore(logging.NewComponentLogger("artifacts"))

	deps := &builtin.Deps{
		Cfg:       cfg,
		Logger:    logger,
		Manager:   manager,
		Memory:    memStore,
		Artifacts: artStore,
	}
	registry := tools.NewRegistry(deps, logging.NewComponentLogger("tools"))
	return registry, manager, memStore
}

func newCatalogCmd(mode, profile *string) *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the tool catalog (the agent-facing contract)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(*mode, *profile, "", 0, false, false)
			registry, _, _ := buildStack(cfg, logging.Nop())
			catalog := server.BuildCatalog(registry)
			if markdown {
				fmt.Fprint(cmd.OutOrStdout(), catalog.Markdown())
				return nil
			}
			rendered, err := catalog.JSON()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render Markdown instead of JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "surf %s\n", server.Version)
		},
	}
}
