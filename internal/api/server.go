// Package api exposes the operator surface: a small status HTTP API,
// the Prometheus scrape endpoint and a fire-and-forget WebSocket
// broadcast channel for UI updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/execution"
	"github.com/volatility-desk/trading-agent/internal/metrics"
	"github.com/volatility-desk/trading-agent/internal/risk"
	"github.com/volatility-desk/trading-agent/internal/store"
	"github.com/volatility-desk/trading-agent/internal/strategy"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the operator HTTP server. All endpoints are read-only; the
// agent takes no commands over HTTP.
type Server struct {
	logger   *zap.Logger
	cfg      ServerConfig
	engine   *strategy.Engine
	guardian *risk.Guardian
	executor *execution.Executor
	journal  *store.Journal
	hub      *Hub

	httpServer *http.Server
	started    time.Time
}

// NewServer builds the server and its routes.
func NewServer(logger *zap.Logger, cfg ServerConfig, engine *strategy.Engine, guardian *risk.Guardian,
	executor *execution.Executor, journal *store.Journal, mets *metrics.Metrics, hub *Hub) *Server {

	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg,
		engine:   engine,
		guardian: guardian,
		executor: executor,
		journal:  journal,
		hub:      hub,
		started:  time.Now(),
	}

	router := mux.NewRouter()
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	v1.HandleFunc("/daily", s.handleDaily).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.HandlerFor(mets.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/ws", hub.HandleWS)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains the listener and disconnects broadcast clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Status()
	balance, hasBalance := s.executor.Balance()

	resp := map[string]any{
		"engine":            snap,
		"open_trades":       s.executor.OpenTrades(),
		"session_open":      s.guardian.SessionOpen(),
		"daily":             s.guardian.Daily(),
		"broadcast_clients": s.hub.ClientCount(),
	}
	if hasBalance {
		resp["balance"] = balance
	}
	if until := s.guardian.PausedUntil(); !until.IsZero() && until.After(time.Now()) {
		resp["paused_until"] = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.journal.RecentTrades(100)
	if err != nil {
		s.logger.Warn("trades query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = types.UTCDate(time.Now())
	}
	stat, err := s.journal.DailyStat(date)
	if err != nil {
		s.logger.Warn("daily stat query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
