package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/state"
	"github.com/miko-network/keeper/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// StatusProvider supplies live keeper state for /api/status.
type StatusProvider interface {
	AccumulatedFees(ctx context.Context) (uint64, error)
}

// WebServer exposes the keeper's operational state over HTTP.
type WebServer struct {
	router    *mux.Router
	port      string
	store     *state.Store
	status    StatusProvider
	threshold uint64
}

// NewWebServer creates a new web server instance.
func NewWebServer(port string, store *state.Store, status StatusProvider, threshold uint64) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		store:     store,
		status:    newCachedStatus(status, clockwork.NewRealClock(), statusCacheTTL),
		threshold: threshold,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes.
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")
	api.HandleFunc("/rollover", ws.handleGetRollover).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server and blocks until it exits.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth reports process and database health.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealthy := ws.store.Ping(r.Context()) == nil

	status := http.StatusOK
	overall := "healthy"
	if !dbHealthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	ws.writeJSONResponse(w, status, map[string]interface{}{
		"status":    overall,
		"database":  dbHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// handleStatus reports the keeper's live operational state: accumulated
// fees against the threshold, fee finality, rollover rows and the last
// cycle outcome.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accumulated, err := ws.status.AccumulatedFees(ctx)
	if err != nil {
		webLogger.Warn().Err(err).Msg("Could not read accumulated fees for status")
	}

	finalized, err := ws.store.IsFeeFinalized(ctx)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to read fee state")
		return
	}

	rollover, err := ws.store.ListRollover(ctx)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to read rollover state")
		return
	}
	if rollover == nil {
		rollover = []types.RolloverState{}
	}

	lastCycle, err := ws.store.LastCycle(ctx)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to read last cycle")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"accumulated_fees":  accumulated,
		"harvest_threshold": ws.threshold,
		"harvest_ready":     accumulated >= ws.threshold,
		"fee_finalized":     finalized,
		"rollover":          rollover,
		"last_cycle":        lastCycle,
		"timestamp":         time.Now().UTC(),
	})
}

// handleGetCycles returns paginated cycle history, newest first.
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	cycles, err := ws.store.RecentCycles(r.Context(), limit, offset)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to fetch cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to fetch cycles")
		return
	}
	if cycles == nil {
		cycles = []types.CycleSnapshot{}
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"cycles": cycles,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetLatestCycle returns the most recent cycle snapshot.
func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := ws.store.LastCycle(r.Context())
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to fetch latest cycle")
		return
	}
	if cycle == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "no cycles recorded yet")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

// handleGetRollover returns all rollover rows, including stranded assets.
func (ws *WebServer) handleGetRollover(w http.ResponseWriter, r *http.Request) {
	rollover, err := ws.store.ListRollover(r.Context())
	if err != nil {
		ws.writeErrorResponse(w, http.StatusInternalServerError, "failed to read rollover state")
		return
	}
	if rollover == nil {
		rollover = []types.RolloverState{}
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"rollover": rollover})
}

// writeJSONResponse writes a JSON response with the given status code.
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes a JSON error response.
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}

// corsMiddleware adds CORS headers for dashboard access.
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
