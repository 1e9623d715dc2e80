package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/orchestrator"
	"github.com/elys-network/supervault/internal/state"
	"github.com/elys-network/supervault/internal/types"
)

// Store is the read side of the decision log. *state.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	RecentDecisions(ctx context.Context, limit int) ([]types.DecisionRecord, error)
	RecentReceipts(ctx context.Context, limit int) ([]types.ExecutionReceipt, error)
	GetDecision(ctx context.Context, decisionID string) (types.DecisionRecord, error)
	ReceiptsForDecision(ctx context.Context, decisionID string) ([]types.ExecutionReceipt, error)
	LoadActiveStrategyParameters(ctx context.Context, configName string) (*types.StrategyParameters, error)
	GetStoreSummary(ctx context.Context) (*state.StoreSummary, error)
}

// StatusSource reports the loop state. *orchestrator.Orchestrator implements it.
type StatusSource interface {
	Status() orchestrator.Status
}

// Config wires the server. Metrics may be nil.
type Config struct {
	Port          string
	Store         Store
	Status        StatusSource
	Metrics       http.Handler
	ParametersKey string // Config name of the active strategy parameters
}

// WebServer serves the operator status API.
type WebServer struct {
	router        *mux.Router
	port          string
	store         Store
	status        StatusSource
	parametersKey string
	startedAt     time.Time
	logger        zerolog.Logger
	server        *http.Server
}

func NewWebServer(cfg Config) *WebServer {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	ws := &WebServer{
		router:        mux.NewRouter(),
		port:          cfg.Port,
		store:         cfg.Store,
		status:        cfg.Status,
		parametersKey: cfg.ParametersKey,
		startedAt:     time.Now().UTC(),
		logger:        logger.GetForComponent("web_server"),
	}
	ws.setupRoutes(cfg.Metrics)
	return ws
}

// Handler exposes the router, mainly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.router }

func (ws *WebServer) setupRoutes(metrics http.Handler) {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if metrics != nil {
		ws.router.Handle("/metrics", metrics).Methods("GET")
	}

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET")
	api.HandleFunc("/inflight", ws.handleInFlight).Methods("GET")
	api.HandleFunc("/decisions", ws.handleGetDecisions).Methods("GET")
	api.HandleFunc("/decisions/{id}", ws.handleGetDecision).Methods("GET")
	api.HandleFunc("/receipts", ws.handleGetReceipts).Methods("GET")
	api.HandleFunc("/parameters", ws.handleGetParameters).Methods("GET")
	api.HandleFunc("/summary", ws.handleGetSummary).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (ws *WebServer) Start() error {
	ws.logger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	ws.logger.Info().Msg("Stopping web server")
	return ws.server.Shutdown(ctx)
}

// handleHealth reports database reachability and the single-flight holder.
// An unreachable database answers 503.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	if err := ws.store.Ping(r.Context()); err != nil {
		ws.logger.Warn().Err(err).Msg("Health check: database unreachable")
		dbHealthy = false
	}

	status := ws.status.Status()
	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "supervault-strategist",
			"version": "1.0.0",
		},
		"strategist_status": map[string]interface{}{
			"database_healthy": dbHealthy,
			"in_flight":        status.InFlight,
			"phases":           status.Phases,
		},
	}
	ws.writeJSONResponse(w, statusCode, response)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.status.Status())
}

// handleInFlight returns the single-flight holder, or null when the guard is free.
func (ws *WebServer) handleInFlight(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"in_flight": ws.status.Status().InFlight,
	})
}

func (ws *WebServer) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	decisions, err := ws.store.RecentDecisions(r.Context(), limit)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get recent decisions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve decisions")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
		"limit":     limit,
	})
}

// handleGetDecision returns a decision with every receipt recorded for it.
func (ws *WebServer) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	decision, err := ws.store.GetDecision(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Decision not found")
		return
	}
	if err != nil {
		ws.logger.Error().Err(err).Str("decision_id", id).Msg("Failed to get decision")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve decision")
		return
	}
	receipts, err := ws.store.ReceiptsForDecision(r.Context(), id)
	if err != nil {
		ws.logger.Error().Err(err).Str("decision_id", id).Msg("Failed to get receipts")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve receipts")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"decision": decision,
		"receipts": receipts,
	})
}

func (ws *WebServer) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	receipts, err := ws.store.RecentReceipts(r.Context(), limit)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get recent receipts")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve receipts")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
		"limit":    limit,
	})
}

func (ws *WebServer) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	params, err := ws.store.LoadActiveStrategyParameters(r.Context(), ws.parametersKey)
	if errors.Is(err, state.ErrNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "No active strategy parameters")
		return
	}
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get strategy parameters")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve strategy parameters")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"config":     ws.parametersKey,
		"parameters": params,
		"timestamp":  time.Now().UTC(),
	})
}

func (ws *WebServer) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ws.store.GetStoreSummary(r.Context())
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get store summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// parseLimit reads ?limit=, defaulting to 20 and capped at 100.
func parseLimit(r *http.Request) int {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	return limit
}

// writeJSONResponse encodes before writing the header so an encoding failure
// still reaches the client as a 500.
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		ws.logger.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":true,"message":"Failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		ws.logger.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		ws.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper captures the status code for request logging.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
