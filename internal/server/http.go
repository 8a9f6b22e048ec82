package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
	"github.com/osamashannak/siren-detection-service/internal/config"
	"github.com/osamashannak/siren-detection-service/internal/detection"
	"github.com/osamashannak/siren-detection-service/internal/metrics"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// audioField is the multipart form field holding the upload
const audioField = "audio"

// multipartMemory is how much of a multipart body is kept in memory before spilling to disk
const multipartMemory = 8 << 20

type contextKey int

const requestIDKey contextKey = iota

// HTTPServer serves the detection endpoint and the monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	detector *detection.Detector
	model    classifier.Classifier
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
	listener  net.Listener
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, detector *detection.Detector,
	model classifier.Classifier, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		detector:  detector,
		model:     model,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	h.setupRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
	})
	h.handler = c.Handler(router)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      h.handler,
		ReadTimeout:  cfg.HTTP.GetReadTimeoutDuration(),
		WriteTimeout: cfg.HTTP.GetWriteTimeoutDuration(),
		IdleTimeout:  cfg.HTTP.GetIdleTimeoutDuration(),
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *mux.Router) {
	r.Use(h.withRequestID)

	// Detection endpoint
	r.HandleFunc("/siren-detection", h.withMetrics("/siren-detection", h.handleDetect)).Methods(http.MethodPost)

	// Health and readiness
	r.HandleFunc("/health", h.withMetrics("/health", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.withMetrics("/ready", h.handleReady)).Methods(http.MethodGet)

	// Configuration and statistics
	r.HandleFunc("/config", h.withMetrics("/config", h.handleConfig)).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats)).Methods(http.MethodGet)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.config.Metrics.Enabled {
		r.Handle(h.config.Metrics.Path, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Root endpoint with API documentation
	r.HandleFunc("/", h.withMetrics("/", h.handleRoot)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
}

// Handler returns the root handler including CORS and routing
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withRequestID assigns every request an id, reusing the caller's when present
func (h *HTTPServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the id assigned by the request id middleware
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := ww.errorType
			if errorType == "" {
				errorType = "client_error"
				if ww.statusCode >= 500 {
					errorType = "server_error"
				}
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	errorType  string
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleDetect implements POST /siren-detection
func (h *HTTPServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("request_id", RequestID(r.Context())))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Detection handler panicked", slog.Any("panic", rec))
			h.writeError(w, &detection.Error{Kind: detection.KindInternal, Message: fmt.Sprint(rec)})
		}
	}()

	up, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	start := time.Now()
	res, err := h.detector.Detect(r.Context(), up)
	if err != nil {
		derr := detection.Classify(err)
		logger.Info("Detection request failed",
			slog.String("kind", derr.Kind.String()),
			slog.Int("status", derr.HTTPStatus()),
			slog.Duration("elapsed", time.Since(start)),
		)
		h.writeError(w, derr)
		return
	}

	logger.Info("Detection request completed",
		slog.String("filename", up.Filename),
		slog.Int("bytes", len(up.Data)),
		slog.String("result", res.Result),
		slog.Int("frames", res.Frames),
		slog.Bool("cached", res.Cached),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, map[string]string{"result": res.Result})
}

// readUpload extracts the audio part. A request without the part, including a
// non-multipart request, yields a nil upload.
func (h *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) (*detection.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, detection.ValidationError(fmt.Sprintf("Uploaded file exceeds the %d byte limit", tooLarge.Limit))
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, detection.ValidationError(fmt.Sprintf("Malformed multipart request: %v", err))
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(audioField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, detection.ValidationError(fmt.Sprintf("Malformed multipart request: %v", err))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	return &detection.Upload{Filename: header.Filename, Data: data}, nil
}

// writeError maps any error onto the JSON error contract
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	derr := detection.Classify(err)
	if ww, ok := w.(*responseWriter); ok {
		ww.errorType = derr.Kind.String()
	}
	writeJSON(w, derr.HTTPStatus(), map[string]string{"error": derr.PublicMessage()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	stats := h.detector.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "siren-detection-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"detector": map[string]interface{}{
				"status":          "running",
				"total_requests":  stats.TotalRequests,
				"catalog_classes": stats.CatalogClasses,
			},
			"model": map[string]interface{}{
				"backend": h.model.Name(),
			},
			"audio": map[string]interface{}{
				"live_temp_files": audio.LiveTempFiles(),
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleReady reports whether the model can serve right now
func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.model.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration (S3 credentials never live in the config)
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":             h.config.HTTP.Port,
			"address":          h.config.HTTP.Address,
			"max_upload_bytes": h.config.HTTP.MaxUploadBytes,
		},
		"audio": map[string]interface{}{
			"sample_rate":       h.config.Audio.SampleRate,
			"ffmpeg_path":       h.config.Audio.FFmpegPath,
			"transcode_timeout": h.config.Audio.TranscodeTimeout,
		},
		"model": map[string]interface{}{
			"backend":        h.config.Model.Backend,
			"endpoint":       h.config.Model.Endpoint,
			"name":           h.config.Model.Name,
			"version":        h.config.Model.Version,
			"timeout":        h.config.Model.Timeout,
			"max_retries":    h.config.Model.MaxRetries,
			"max_concurrent": h.config.Model.MaxConcurrent,
		},
		"catalog": map[string]interface{}{
			"source": h.config.Catalog.Source,
			"column": h.config.Catalog.Column,
		},
		"detection": map[string]interface{}{
			"keyword":    h.config.Detection.Keyword,
			"cache_size": h.config.Detection.CacheSize,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":          time.Since(h.startTime).String(),
		"timestamp":       time.Now().UTC(),
		"detection":       h.detector.GetStats(),
		"live_temp_files": audio.LiveTempFiles(),
	}

	switch m := h.model.(type) {
	case *classifier.TFServing:
		stats["model"] = m.GetStats()
	case *classifier.Energy:
		stats["model"] = m.GetStats()
	default:
		stats["model"] = map[string]string{"backend": h.model.Name()}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]interface{}{
		"GET /":                 "API documentation",
		"POST /siren-detection": "Detect sirens in an uploaded audio file (multipart field 'audio')",
		"GET /health":           "Service health check",
		"GET /ready":            "Model readiness check",
		"GET /config":           "Get service configuration",
		"GET /stats":            "Get service statistics",
	}
	if h.config.Metrics.Enabled {
		endpoints["GET "+h.config.Metrics.Path] = "Prometheus metrics"
	}

	apiDoc := map[string]interface{}{
		"service":   "Siren Detection Service",
		"version":   "1.0.0",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
