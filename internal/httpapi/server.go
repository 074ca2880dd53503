package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"heavy.local/research-gateway/internal/orchestrator"
	"heavy.local/research-gateway/internal/registry"
	"heavy.local/research-gateway/internal/session"
)

const (
	identityHeader     = "X-User-ID"
	identityQueryParam = "user_id"
	defaultHistorySize = 50
	maxHistorySize     = 500
)

type Options struct {
	// AllowedOrigins lists websocket origins accepted besides the server's own
	// host. "*" accepts any origin.
	AllowedOrigins    []string
	OutboundQueueSize int
	PingInterval      time.Duration
}

type server struct {
	logger *log.Logger
	orch   *orchestrator.Orchestrator
	conns  *registry.Registry
	store  session.Store
	opts   Options
}

func NewServer(logger *log.Logger, addr string, orch *orchestrator.Orchestrator, conns *registry.Registry, store session.Store, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(logger, orch, conns, store, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewHandler(logger *log.Logger, orch *orchestrator.Orchestrator, conns *registry.Registry, store session.Store, opts Options) http.Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	s := &server{
		logger: logger,
		orch:   orch,
		conns:  conns,
		store:  store,
		opts:   opts,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/ws", s.handleWS)
	mux.HandleFunc("/v1/sessions/active", s.handleActiveSessions)
	mux.HandleFunc("/v1/history", s.handleHistory)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"connections": s.conns.Len(),
	})
}

func (s *server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := requestIdentity(r)
	if userID == "" {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}

	sessions, err := s.orch.ActiveSessions(r.Context(), userID)
	if err != nil {
		s.logger.Printf("list active sessions failed user_id=%s err=%v", userID, err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := requestIdentity(r)
	if userID == "" {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}
	limit := defaultHistorySize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistorySize)
	}

	history, err := s.store.ListHistory(r.Context(), userID, limit)
	if err != nil {
		s.logger.Printf("list history failed user_id=%s err=%v", userID, err)
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func requestIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(identityHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(identityQueryParam))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// originAllowed accepts requests without an Origin header, same-host origins,
// and origins listed in allowed.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	if strings.EqualFold(parsedOrigin.Host, r.Host) {
		return true
	}
	for _, candidate := range allowed {
		candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "/")
		if candidate == "*" || strings.EqualFold(candidate, origin) || strings.EqualFold(candidate, parsedOrigin.Host) {
			return true
		}
	}
	return false
}
