// Package httpapi exposes the Control Surface over HTTP using gorilla/mux,
// matching the response-shape contract: 200 with {"message":"..."} on
// success, 400 with the same shape on rejection.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qualys/certview-mirror/internal/certview/control"
)

// MetricsConfig controls whether and where the Prometheus exposition
// endpoint is mounted.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// NewRouter builds the full set of routes over surface.
func NewRouter(surface *control.Surface, metricsCfg MetricsConfig, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{surface: surface, logger: logger}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}

	sync := r.PathPrefix("/sync").Subrouter()
	sync.HandleFunc("/start", h.startFullSync).Methods(http.MethodPost)
	sync.HandleFunc("/resume", h.resumeSync).Methods(http.MethodPost)
	sync.HandleFunc("/stop", h.stopSync).Methods(http.MethodPost)
	sync.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	sync.HandleFunc("/status", h.status).Methods(http.MethodGet)
	sync.HandleFunc("/export", h.export).Methods(http.MethodGet)

	authRoutes := r.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/refresh", h.forceRefreshToken).Methods(http.MethodPost)

	annotate := r.PathPrefix("/annotate").Subrouter()
	annotate.HandleFunc("/import", h.importInventory).Methods(http.MethodPost)
	annotate.HandleFunc("/apply", h.applyAnnotations).Methods(http.MethodPost)
	annotate.HandleFunc("/status", h.annotationStatus).Methods(http.MethodGet)

	return r
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "request_id", requestID, "duration", time.Since(start))
		})
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, result control.Result) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, messageResponse{Message: result.Message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
