package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/config"
	"heavy.local/research-gateway/internal/model"
	"heavy.local/research-gateway/internal/research"
	"heavy.local/research-gateway/internal/session"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// isolateConfig points the CLI at a fresh sqlite file and keeps any real
// config file out of the way.
func isolateConfig(t *testing.T) string {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	workDir := t.TempDir()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(original) })
	if err := os.Chdir(workDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	dsn := filepath.Join(t.TempDir(), "sessions.db")
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDBDriver, "sqlite")
	t.Setenv(config.EnvDBDSN, dsn)
	t.Setenv(config.EnvAnthropicAPIKey, "")
	t.Setenv(config.EnvOpenAIAPIKey, "")
	t.Setenv(config.EnvModelProvider, "")
	return dsn
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCommand(discardLogger())
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedSessions(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()

	store, err := session.NewGormStore("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	agents := []agent.Record{agent.New(0, "history of X", "general"), agent.New(1, "impact of X", "general")}
	if _, err := store.CreateSession(ctx, session.NewSessionRecord("done-1", "u1", "what is X", agents, time.Now())); err != nil {
		t.Fatalf("create done-1: %v", err)
	}
	finished := agent.CloneAll(agents)
	for i := range finished {
		result := "finding"
		elapsed := 2.0
		if err := finished[i].Apply(agent.Update{Status: agent.StatusCompleted, Result: &result, ExecutionTime: &elapsed}); err != nil {
			t.Fatalf("complete agent: %v", err)
		}
	}
	status := session.StatusCompleted
	phase := session.PhaseComplete
	final := "X is a thing"
	total := 8.0
	if _, err := store.UpdateSession(ctx, "u1", "done-1", session.SessionPatch{
		Status:       &status,
		CurrentPhase: &phase,
		Agents:       finished,
		FinalResult:  &final,
		TotalTime:    &total,
	}); err != nil {
		t.Fatalf("complete done-1: %v", err)
	}

	if _, err := store.CreateSession(ctx, session.NewSessionRecord("live-1", "u1", "what is Y", agents, time.Now())); err != nil {
		t.Fatalf("create live-1: %v", err)
	}
}

func TestAdminCommandsAgainstSQLite(t *testing.T) {
	dsn := isolateConfig(t)
	seedSessions(t, dsn)

	out, err := runCLI(t, "history", "--user", "u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No history.") {
		t.Fatalf("expected empty history before rearchive, got %q", out)
	}

	out, err = runCLI(t, "rearchive")
	if err != nil {
		t.Fatalf("rearchive: %v", err)
	}
	if !strings.Contains(out, "Archived 1 sessions.") {
		t.Fatalf("unexpected rearchive output %q", out)
	}
	out, err = runCLI(t, "rearchive")
	if err != nil {
		t.Fatalf("second rearchive: %v", err)
	}
	if !strings.Contains(out, "Archived 0 sessions.") {
		t.Fatalf("expected second rearchive to be a no-op, got %q", out)
	}

	out, err = runCLI(t, "history", "--user", "u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "done-1") || !strings.Contains(out, "2/2") {
		t.Fatalf("expected archived session in history, got %q", out)
	}
	if out, err := runCLI(t, "history", "--user", "u2"); err != nil || !strings.Contains(out, "No history.") {
		t.Fatalf("expected no history for u2, got %q err=%v", out, err)
	}

	out, err = runCLI(t, "sessions", "--user", "u1")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "live-1") || strings.Contains(out, "done-1") {
		t.Fatalf("expected only the ongoing session, got %q", out)
	}

	out, err = runCLI(t, "prune", "--older-than", "1ns")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Pruned 1 sessions") {
		t.Fatalf("unexpected prune output %q", out)
	}

	out, err = runCLI(t, "history", "--user", "u1")
	if err != nil || !strings.Contains(out, "done-1") {
		t.Fatalf("expected history to survive pruning, got %q err=%v", out, err)
	}
}

func TestUserScopedCommandsRequireUser(t *testing.T) {
	isolateConfig(t)

	for _, name := range []string{"history", "sessions"} {
		if _, err := runCLI(t, name); err == nil || !strings.Contains(err.Error(), "--user") {
			t.Fatalf("%s: expected --user error, got %v", name, err)
		}
	}
}

func TestInvalidConfigIsReported(t *testing.T) {
	isolateConfig(t)
	t.Setenv(config.EnvDBDriver, "mysql")

	_, err := runCLI(t, "sessions", "--user", "u1")
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestSuiteFromConfig(t *testing.T) {
	cfg := config.GatewayConfig{ModelProvider: "anthropic", ModelName: "claude-test"}

	offline := suiteFromConfig(discardLogger(), cfg, model.DefaultRegistry())
	if _, ok := offline.Decomposer.(research.TemplatePlanner); !ok {
		t.Fatalf("expected offline planner without a key, got %T", offline.Decomposer)
	}

	cfg.AnthropicAPIKey = "sk-ant-test"
	backed := suiteFromConfig(discardLogger(), cfg, model.DefaultRegistry())
	planner, ok := backed.Decomposer.(research.ModelPlanner)
	if !ok {
		t.Fatalf("expected model planner with a key, got %T", backed.Decomposer)
	}
	if planner.Model != "claude-test" || planner.Provider.Name() != model.ProviderAnthropic {
		t.Fatalf("unexpected planner %+v", planner)
	}
}

func TestWebhookSubscriberName(t *testing.T) {
	if got := webhookSubscriberName(0, "https://hooks.example:8443/research"); got != "hooks.example:8443" {
		t.Fatalf("expected host name, got %q", got)
	}
	if got := webhookSubscriberName(1, "::bad"); got != "webhook-2" {
		t.Fatalf("expected positional name, got %q", got)
	}
}

func TestPruneInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{retention: 0, want: time.Hour},
		{retention: 20 * time.Minute, want: 5 * time.Minute},
		{retention: 30 * 24 * time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		if got := pruneInterval(tt.retention); got != tt.want {
			t.Fatalf("pruneInterval(%s) = %s, want %s", tt.retention, got, tt.want)
		}
	}
}

func TestPrunerRemovesExpiredSessionsWhileRunning(t *testing.T) {
	store := session.NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agents := []agent.Record{agent.New(0, "history of X", "general")}
	if _, err := store.CreateSession(ctx, session.NewSessionRecord("s1", "u1", "what is X", agents, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runPruner(ctx, discardLogger(), store, time.Millisecond, 5*time.Millisecond)
	}()

	// Expires only after the pruner has already started.
	if _, err := store.FailOngoing(ctx, "gateway restarted"); err != nil {
		t.Fatalf("fail ongoing: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := store.GetSession(ctx, "u1", "s1")
		if errors.Is(err, session.ErrNotFound) {
			break
		}
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the pruner to remove the failed session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pruner did not stop after cancel")
	}
}

func TestPruneExpiredKeepsRecentSessions(t *testing.T) {
	store := session.NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	agents := []agent.Record{agent.New(0, "history of X", "general")}
	if _, err := store.CreateSession(ctx, session.NewSessionRecord("s1", "u1", "what is X", agents, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.FailOngoing(ctx, "gateway restarted"); err != nil {
		t.Fatalf("fail ongoing: %v", err)
	}
	if pruned := pruneExpired(ctx, discardLogger(), store, time.Hour); pruned != 0 {
		t.Fatalf("expected a recent session to be kept, pruned %d", pruned)
	}
	if _, err := store.GetSession(ctx, "u1", "s1"); err != nil {
		t.Fatalf("expected session to survive: %v", err)
	}
}
