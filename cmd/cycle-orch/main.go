package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

var (
	configPath string
	serverURL  string
	ownerID    string
	rootCmd    = &cobra.Command{
		Use:   "cycle-orch",
		Short: "Agent Cycle Orchestrator - multi-cycle AI agent jobs",
		Long: `Agent Cycle Orchestrator drives AI coding agents toward a goal document.
Each job runs discovery, parallel task execution, convergence and update
cycles against a repository until the goal is met or a limit is reached.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "orchestrator API base URL (default from [web] config)")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("CYCLE_ORCH_OWNER"), "owner id sent as X-Owner-ID")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// apiBase returns the server URL from the flag or the [web] section
func apiBase(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
}
