package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"heavy.local/research-gateway/internal/config"
	"heavy.local/research-gateway/internal/dispatch"
	"heavy.local/research-gateway/internal/httpapi"
	"heavy.local/research-gateway/internal/model"
	"heavy.local/research-gateway/internal/orchestrator"
	"heavy.local/research-gateway/internal/registry"
	"heavy.local/research-gateway/internal/research"
	"heavy.local/research-gateway/internal/session"
	"heavy.local/research-gateway/internal/subscribers"
	logging "heavy.local/research-gateway/internal/subscribers/logging"
	"heavy.local/research-gateway/internal/subscribers/webhook"
)

const (
	orphanReason       = "gateway restarted"
	offlineStepDelay   = 400 * time.Millisecond
	shutdownTimeout    = 10 * time.Second
	providerMaxRetries = 2
)

func newServeCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, logger)
		},
	}
}

func runServe(ctx context.Context, logger *log.Logger) error {
	cfg, store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer closeStore(logger, store)

	// No worker survives a restart, so sessions left ongoing can never finish.
	failed, err := store.FailOngoing(ctx, orphanReason)
	if err != nil {
		return fmt.Errorf("fail orphaned sessions: %w", err)
	}
	if failed > 0 {
		logger.Printf("failed orphaned sessions count=%d", failed)
	}
	pruneExpired(ctx, logger, store, cfg.SessionRetention)

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		name := webhookSubscriberName(idx, webhookURL)
		subs = append(subs, webhook.New(name, webhookURL, logger, webhook.TerminalOnly()))
	}
	dispatcher := dispatch.New(logger, subs)
	defer dispatcher.Close()

	conns := registry.New()
	orch := orchestrator.New(logger, orchestratorConfig(cfg), store, conns, dispatcher, suiteFromConfig(logger, cfg, model.DefaultRegistry()))

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	sweepWG.Add(2)
	go func() {
		defer sweepWG.Done()
		orch.Archiver().RunSweeper(sweepCtx, cfg.RearchiveInterval)
	}()
	go func() {
		defer sweepWG.Done()
		runPruner(sweepCtx, logger, store, cfg.SessionRetention, pruneInterval(cfg.SessionRetention))
	}()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, orch, conns, store, httpapi.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		OutboundQueueSize: cfg.OutboundQueueSize,
	})
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server crashed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	cancelSweep()
	sweepWG.Wait()
	orch.Close()
	return runErr
}

// pruneInterval runs the pruner a few times per retention window, at most
// hourly.
func pruneInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}
	return interval
}

func pruneExpired(ctx context.Context, logger *log.Logger, store session.Store, retention time.Duration) int {
	pruned, err := store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			logger.Printf("prune sessions err=%v", err)
		}
		return 0
	}
	if pruned > 0 {
		logger.Printf("pruned sessions count=%d retention=%s", pruned, retention)
	}
	return pruned
}

func runPruner(ctx context.Context, logger *log.Logger, store session.Store, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneExpired(ctx, logger, store, retention)
		}
	}
}

func orchestratorConfig(cfg config.GatewayConfig) orchestrator.Config {
	return orchestrator.Config{
		ParallelAgents:       cfg.ParallelAgents,
		MaxParallelAgents:    cfg.MaxParallelAgents,
		AgentTimeout:         cfg.AgentTimeout,
		DecompositionTimeout: cfg.DecompositionTimeout,
		SynthesisTimeout:     cfg.SynthesisTimeout,
		SessionQueueSize:     cfg.SessionQueueSize,
		RetryCount:           cfg.StorageRetryCount,
		RetryBackoff:         cfg.StorageRetryBackoff,
	}
}

// suiteFromConfig picks the model-backed collaborators when the configured
// provider has a key and falls back to the offline suite otherwise.
func suiteFromConfig(logger *log.Logger, cfg config.GatewayConfig, providers *model.Registry) research.Suite {
	provider, ok := providers.New(cfg.ModelProvider, model.ProviderConfig{
		APIKey:     cfg.APIKey(),
		MaxRetries: providerMaxRetries,
	})
	if !ok {
		logger.Printf("model provider=%s unavailable; using offline research suite", cfg.ModelProvider)
		return research.OfflineSuite(offlineStepDelay)
	}
	logger.Printf("model provider=%s model=%s", provider.Name(), cfg.ModelName)
	return research.ModelSuite(provider, cfg.ModelName)
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
