// Package api provides the HTTP surface: live MJPEG streams, still images,
// the websocket ingest channel, one-shot predictions, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/session"
	"github.com/mikeyg42/cribwatch/internal/storage"
)

// Service is the session surface the handlers drive. *pipeline.Manager
// implements it.
type Service interface {
	Ingest(key string, payload []byte) (session.IngestResult, error)
	StartRecording(key string) (string, error)
	RotateRecording(key string) (string, error)
	Teardown(key string) (bool, error)
	Lookup(key string) (*session.Session, error)
	LatestStill(key string) (*frame.Frame, error)
	Predict(ctx context.Context, key string, payload []byte) (detection.Result, error)
	Sessions() int
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ArtifactHealth is the artifact store as seen by the health endpoint.
// *storage.MinIOStore implements it.
type ArtifactHealth interface {
	HealthChecker
	GetMetrics() storage.UploadStats
}

// Config configures the server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// StreamRateLimit is the number of stream/image requests allowed per
	// minute per client IP. 0 disables limiting.
	StreamRateLimit int
	MaxFrameBytes   int64
	MetricsPath     string
	// Gatherer serves MetricsPath when set.
	Gatherer prometheus.Gatherer

	// Storage and Database are checked by /api/health when set.
	Storage       ArtifactHealth
	Database      HealthChecker
	HealthTimeout time.Duration
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	svc        Service
	cfg        Config
	logger     *zap.Logger

	// baseCtx parents every request context and is cancelled when shutdown
	// begins, which ends open streams.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	limiter  *RateLimiter
	ingest   *IngestHandler
	sessions *SessionsHandler
}

// NewServer creates a new API server
func NewServer(cfg Config, svc Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L().Named("api")
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}

	s := &Server{
		mux:    http.NewServeMux(),
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	limit := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if cfg.StreamRateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.StreamRateLimit, time.Minute)
		limit = s.limiter.Middleware
	}

	s.mux.HandleFunc("GET /stream/{key}", limit(s.handleStream))
	s.mux.HandleFunc("GET /image/{key}", limit(s.handleImage))
	s.mux.HandleFunc("POST /api/baby_in_crib_detection/predict", s.handlePredict)

	s.ingest = NewIngestHandler(svc, cfg.AllowedOrigins, cfg.MaxFrameBytes, logger.Named("ws"))
	s.mux.HandleFunc("GET /ws", s.ingest.ServeWS)

	s.sessions = NewSessionsHandler(svc)
	s.sessions.RegisterRoutes(s.mux)

	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if cfg.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: corsMiddleware(cfg.AllowedOrigins, s.mux),
		// no WriteTimeout: streams stay open until the client leaves
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.httpServer.RegisterOnShutdown(s.cancelBase)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for allowed origins. "*" allows any.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, closes open websocket connections and
// waits for in-flight handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.limiter != nil {
		s.limiter.Close()
	}
	s.ingest.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}
