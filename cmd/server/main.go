package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/export"
	"github.com/adaptml/driftpatch/internal/fix"
	"github.com/adaptml/driftpatch/internal/journal"
	"github.com/adaptml/driftpatch/internal/metrics"
	"github.com/adaptml/driftpatch/internal/monitor"
	"github.com/adaptml/driftpatch/internal/store"
	"github.com/adaptml/driftpatch/pkg/otel"
)

type Server struct {
	store     store.Store
	manager   *store.SnapshotManager
	scheduler *monitor.Scheduler
	source    *monitor.FileSource
	exporter  *export.Writer
	metrics   *metrics.Metrics
	params    api.MonitorParams
	limiter   *rate.Limiter

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	params := loadParams()

	// Setup store backend
	backend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/store.json")
		st = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		st, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			log.Fatal("POSTGRES_CONN is required when STORE_BACKEND=postgres")
		}
		st, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Setup operation journal
	journalDir := getEnv("JOURNAL_DIR", "data/journal")
	jrnl, err := journal.Open(journalDir)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}

	// Setup metrics and snapshot manager
	m := metrics.New()
	mgr := store.NewSnapshotManager(st, jrnl, m, params)

	// Crash recovery: anything journaled as begun but never committed was
	// interrupted; applies get their pre-apply state restored and are marked
	// failed, rollbacks stay applied for retry.
	entries, err := journal.Replay(jrnl.Path())
	if err != nil {
		log.Printf("Journal replay error: %v", err)
	} else if open := journal.Unfinished(entries); len(open) > 0 {
		log.Printf("Recovering %d interrupted operations", len(open))
		mgr.RecoverInterrupted(context.Background(), open)
	}

	// Inference log source and export writer
	source := monitor.NewFileSource(getEnv("INFERENCE_LOG_DIR", "data/inference"))
	exporter, err := export.NewWriter(getEnv("EXPORT_DIR", "data/export"))
	if err != nil {
		log.Fatalf("Failed to create export writer: %v", err)
	}

	// OpenTelemetry tracing (optional)
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("driftpatch-server")
		cfg.CollectorEndpoint = getEnv("OTEL_ENDPOINT", cfg.CollectorEndpoint)
		provider, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Printf("OTel init failed, tracing disabled: %v", err)
		} else {
			tp = provider
		}
	}

	// Monitoring scheduler
	scheduler, err := monitor.NewScheduler(st, mgr, source, monitor.LogSink{}, m, params,
		getEnvInt("EVENT_BUFFER", 256))
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.Start(context.Background())

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		store:     st,
		manager:   mgr,
		scheduler: scheduler,
		source:    source,
		exporter:  exporter,
		metrics:   m,
		params:    params,
		limiter:   limiter,
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models", srv.handleRegisterModel)
	mux.HandleFunc("GET /v1/models", srv.handleListModels)
	mux.HandleFunc("POST /v1/drift/analyze", srv.handleAnalyze)
	mux.HandleFunc("GET /v1/drift/results", srv.handleDriftResults)
	mux.HandleFunc("GET /v1/patches", srv.handleListPatches)
	mux.HandleFunc("POST /v1/patches/{id}/apply", srv.handleApply)
	mux.HandleFunc("POST /v1/patches/{id}/rollback", srv.handleRollback)
	mux.HandleFunc("GET /v1/monitor/status", srv.handleMonitorStatus)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// An apply already underway finishes before Stop returns.
	scheduler.Stop()

	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
	if err := jrnl.Close(); err != nil {
		log.Printf("Error closing journal: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var model api.Model
	if err := json.Unmarshal(body, &model); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if model.ID == "" || len(model.Features) == 0 {
		http.Error(w, "Model requires id and features", http.StatusBadRequest)
		return
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	ctx := r.Context()
	if err := s.store.SaveModel(ctx, &model); err != nil {
		s.respondError(w, err)
		return
	}
	// Seed identity preprocessing state unless one already exists.
	if _, err := s.store.GetState(ctx, model.ID); errors.Is(err, api.ErrNotFound) {
		if err := s.store.SaveState(ctx, api.DefaultState(model.ID, len(model.Features))); err != nil {
			s.respondError(w, err)
			return
		}
	}

	respondJSON(w, http.StatusCreated, &model)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.ModelID == "" {
		http.Error(w, "Body requires model_id", http.StatusBadRequest)
		return
	}

	// Each analyze request is its own fix session.
	session := fix.NewOrchestrator(s.store, s.manager, s.source, s.exporter, s.params)
	analysis, err := session.Analyze(r.Context(), req.ModelID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result":     analysis.Result,
		"candidates": analysis.Candidates,
	})
}

func (s *Server) handleDriftResults(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	results, err := s.store.ListDriftResults(r.Context(), modelID, since)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleListPatches(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	patches, err := s.store.ListPatches(r.Context(), modelID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, patches)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	p, err := s.manager.Apply(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if _, _, err := s.exporter.WritePatch(p); err != nil {
		log.Printf("Export of applied patch %s failed: %v", p.ID, err)
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	p, err := s.manager.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"running":        s.scheduler.Running(),
		"interval":       s.params.Interval.String(),
		"dropped_events": s.scheduler.DroppedEvents(),
	})
}

// allow enforces the global rate limit.
func (s *Server) allow(w http.ResponseWriter) bool {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

// respondError maps the error taxonomy onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, api.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, api.ErrConcurrentOperation):
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, api.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, api.ErrStoreUnavailable):
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("Internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func loadParams() api.MonitorParams {
	params := api.DefaultMonitorParams()
	if v := getEnvInt("MONITOR_INTERVAL_SECONDS", 0); v > 0 {
		params.Interval = time.Duration(v) * time.Second
	}
	if v := getEnvFloat("AUTO_EVAL_THRESHOLD", -1); v >= 0 {
		params.AutoEvalThreshold = v
	}
	if v := getEnvFloat("AUTO_APPLY_SAFETY", -1); v >= 0 {
		params.AutoApplySafety = v
	}
	if v := getEnvFloat("AUTO_APPLY_REDUCTION", -1); v >= 0 {
		params.AutoApplyReduction = v
	}
	if v := getEnvInt("RETENTION_DAYS", 0); v > 0 {
		params.RetentionDays = v
	}
	return params
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
