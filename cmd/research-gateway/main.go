package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"heavy.local/research-gateway/internal/config"
	"heavy.local/research-gateway/internal/session"
)

func main() {
	logger := log.New(os.Stdout, "gateway ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	if err := newRootCommand(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	serve := newServeCommand(logger)
	root := &cobra.Command{
		Use:          "research-gateway",
		Short:        "Multi-agent research orchestration gateway",
		Long:         "research-gateway runs research sessions that fan a query out to parallel agents and streams their progress over websocket.",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	root.AddCommand(serve)
	root.AddCommand(newHistoryCommand(logger))
	root.AddCommand(newSessionsCommand(logger))
	root.AddCommand(newPruneCommand(logger))
	root.AddCommand(newRearchiveCommand(logger))
	return root
}

func loadConfig() (config.GatewayConfig, error) {
	cfg, err := config.GatewayFromYAMLAndEnv()
	if err != nil {
		return config.GatewayConfig{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.GatewayConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore loads configuration and opens the session store it names. The
// caller closes the store.
func openStore(logger *log.Logger) (config.GatewayConfig, *session.GormStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.GatewayConfig{}, nil, err
	}
	store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return config.GatewayConfig{}, nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	logger.Printf("session store opened driver=%s", cfg.DBDriver)
	return cfg, store, nil
}

func closeStore(logger *log.Logger, store session.Store) {
	if err := store.Close(); err != nil {
		logger.Printf("store close error: %v", err)
	}
}
