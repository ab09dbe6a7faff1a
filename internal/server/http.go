package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/config"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/recorder"
	"github.com/skypro1111/chunk-recorder/internal/recovery"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// Recorder is the recording control surface
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*recorder.Result, error)
	Abort()
	Status() recorder.Status
	LastResult() *recorder.Result
}

// Recovery is the abandoned-session surface
type Recovery interface {
	ListAbandoned(ctx context.Context) ([]*store.Session, error)
	Recover(ctx context.Context, sessionID string) (*recorder.Result, error)
	Discard(ctx context.Context, sessionID string) error
}

// HTTPServer provides the HTTP control API
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	recorder Recorder
	recovery Recovery
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	version  string

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, rec Recorder, rcv Recovery,
	m *metrics.Metrics, gatherer prometheus.Gatherer, version string) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		recorder:  rec,
		recovery:  rcv,
		metrics:   m,
		gatherer:  gatherer,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// Stop and recover respond only after the final file is built
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("GET /recording", h.withMetrics("/recording", h.handleStatus))
	mux.HandleFunc("POST /recording/start", h.withMetrics("/recording/start", h.handleStart))
	mux.HandleFunc("POST /recording/stop", h.withMetrics("/recording/stop", h.handleStop))
	mux.HandleFunc("POST /recording/abort", h.withMetrics("/recording/abort", h.handleAbort))
	mux.HandleFunc("GET /recording/audio", h.withMetrics("/recording/audio", h.handleAudio))

	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("POST /sessions/{id}/recover", h.withMetrics("/sessions/{id}/recover", h.handleRecover))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDiscard))

	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// ListenAndServe serves until Stop is called. A graceful stop returns nil.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.recorder.Status()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "chunk-recorder",
			"version": h.version,
		},
		"recorder": map[string]any{
			"state":  status.State,
			"chunks": status.Chunks,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStatus implements GET /recording
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// handleStart implements POST /recording/start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Start(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// handleStop implements POST /recording/stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not leave the recording half finalized
	result, err := h.recorder.Stop(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAbort implements POST /recording/abort
func (h *HTTPServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	h.recorder.Abort()
	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// handleAudio implements GET /recording/audio
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	result := h.recorder.LastResult()
	if result == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No finished recording yet."})
		return
	}
	writeAudio(w, result)
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.recovery.ListAbandoned(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(sessions),
		"timestamp": time.Now().UTC(),
		"sessions":  sessions,
	})
}

// handleRecover implements POST /sessions/{id}/recover
func (h *HTTPServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := h.recovery.Recover(context.WithoutCancel(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeAudio(w, result)
}

// handleDiscard implements DELETE /sessions/{id}
func (h *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := h.recovery.Discard(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": "Chunk Recorder",
		"version": h.version,
		"endpoints": map[string]string{
			"GET /":                       "API documentation",
			"GET /health":                 "Service health check",
			"GET /recording":              "Recording status",
			"POST /recording/start":       "Start recording from the default microphone",
			"POST /recording/stop":        "Stop and build the final file",
			"POST /recording/abort":       "Abort, keeping stored chunks recoverable",
			"GET /recording/audio":        "Download the last finished recording",
			"GET /sessions":               "List abandoned sessions",
			"POST /sessions/{id}/recover": "Build and download an abandoned session",
			"DELETE /sessions/{id}":       "Discard an abandoned session",
			"GET /config":                 "Effective configuration",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// writeError maps err to a status code and a user-facing message
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	writeJSON(w, status, map[string]string{
		"error":  recorder.UserMessage(err),
		"detail": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrAlreadyActive),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrNoAudio),
		errors.Is(err, recovery.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNoMicrophone),
		errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrDeviceBusy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAudio(w http.ResponseWriter, result *recorder.Result) {
	w.Header().Set("Content-Type", result.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Audio)))
	w.Header().Set("X-Session-Id", result.SessionID)
	w.Header().Set("X-Recording-Duration", strconv.FormatFloat(result.Duration.Seconds(), 'f', 3, 64))
	if result.URL != "" {
		w.Header().Set("X-Audio-Url", result.URL)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(result.Audio)
}
