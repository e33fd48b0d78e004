/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package api serves the read-only logsentry HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/logsentry/internal/alerts"
	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/ingest"
	"github.com/marcus-qen/logsentry/internal/logstore"
	"github.com/marcus-qen/logsentry/internal/metrics"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogReader is the log store read contract.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]logstore.Entry, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Driver() string
}

// HistoryReader lists alert fires.
type HistoryReader interface {
	List(ctx context.Context, rule string, limit int) ([]alerts.FireEvent, error)
}

// WebhookTester sends a connectivity test to a webhook.
type WebhookTester interface {
	Test(ctx context.Context, url string, headers map[string]string) error
}

// ConnLister reports open ingest connections.
type ConnLister interface {
	Connections() []ingest.ConnInfo
}

// Deps are the collaborators the API reads from. Any may be nil except Logs.
type Deps struct {
	Logs      LogReader
	History   HistoryReader
	Scheduler *alerts.Scheduler
	Tester    WebhookTester
	Ingest    ConnLister
	Bus       *events.Bus
	Version   string
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	RateLimit RateLimitConfig
}

// Server is the logsentry API server.
type Server struct {
	config  ServerConfig
	deps    Deps
	logger  *zap.Logger
	router  *mux.Router
	limiter *clientRateLimiter
	started time.Time
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  logger,
		router:  mux.NewRouter(),
		limiter: newClientRateLimiter(cfg.RateLimit),
		started: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	v1.HandleFunc("/logs/stream", s.handleLogStream).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/rules", s.handleRules).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/rules/{name}/test", s.handleTestRule).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the full middleware chain: throttling, then gzip for
// everything except websocket upgrades.
func (s *Server) Handler() http.Handler {
	gz := gzhttp.GzipHandler(s.router)
	compressed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			s.router.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
	return s.limiter.middleware(compressed)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api server shutdown", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Logs.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Version         string    `json:"version"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	StorageDriver   string    `json:"storage_driver"`
	StoredRecords   int64     `json:"stored_records"`
	OpenConnections int       `json:"open_connections"`
	AlertingEnabled bool      `json:"alerting_enabled"`
	Rules           int       `json:"rules"`
	BatchRunning    bool      `json:"batch_running"`
	TailSubscribers int       `json:"tail_subscribers"`
	TailDropped     uint64    `json:"tail_dropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Logs.Count(r.Context())
	if err != nil {
		s.logger.Warn("status: count logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count stored records")
		return
	}

	resp := statusResponse{
		Version:       s.deps.Version,
		StartedAt:     s.started,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		StorageDriver: s.deps.Logs.Driver(),
		StoredRecords: count,
	}
	if s.deps.Ingest != nil {
		resp.OpenConnections = len(s.deps.Ingest.Connections())
	}
	if sch := s.deps.Scheduler; sch != nil {
		resp.AlertingEnabled = sch.Enabled()
		resp.Rules = len(sch.Rules())
		resp.BatchRunning = sch.Running()
	}
	if s.deps.Bus != nil {
		for _, sub := range s.deps.Bus.Subscribers() {
			resp.TailSubscribers++
			resp.TailDropped += sub.Dropped
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Logs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

type ruleView struct {
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	Window        string     `json:"window"`
	Query         string     `json:"query"`
	Threshold     float64    `json:"threshold"`
	Operator      string     `json:"operator"`
	WebhookURL    string     `json:"webhook_url"`
	Cooldown      string     `json:"cooldown"`
	LastFired     *time.Time `json:"last_fired,omitempty"`
	CoolingDown   bool       `json:"cooling_down"`
	ValidOperator bool       `json:"valid_operator"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	sch := s.deps.Scheduler
	if sch == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rules": []ruleView{}, "count": 0})
		return
	}

	now := time.Now().UTC()
	cooldowns := sch.Cooldowns()
	out := make([]ruleView, 0, len(sch.Rules()))
	for _, rule := range sch.Rules() {
		view := ruleView{
			Name:          rule.Name,
			Enabled:       rule.Enabled,
			Window:        rule.WindowSpec,
			Query:         rule.Query,
			Threshold:     rule.Threshold,
			Operator:      rule.Operator,
			WebhookURL:    rule.WebhookURL,
			Cooldown:      rule.Cooldown.String(),
			CoolingDown:   cooldowns.Active(rule.Name, now, rule.Cooldown),
			ValidOperator: alerts.ValidOperator(rule.Operator),
		}
		if last, ok := cooldowns.LastFired(rule.Name); ok {
			view.LastFired = &last
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   out,
		"count":   len(out),
		"enabled": sch.Enabled(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "alert history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fires, err := s.deps.History.List(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		s.logger.Warn("list alert history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alert history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": fires,
		"count":   len(fires),
	})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.deps.Scheduler == nil || s.deps.Tester == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting unavailable")
		return
	}
	rule, ok := s.deps.Scheduler.Rule(name)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	if err := s.deps.Tester.Test(r.Context(), rule.WebhookURL, rule.Headers); err != nil {
		s.logger.Info("webhook test failed", zap.String("rule", name), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"status": "failed",
			"rule":   name,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "delivered",
		"rule":   name,
	})
}

func parseLimit(r *http.Request, def, limit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > limit {
		n = limit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
