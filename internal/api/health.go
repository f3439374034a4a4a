package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/storage"
)

type componentHealth struct {
	Status  string               `json:"status"`
	Error   string               `json:"error,omitempty"`
	Uploads *storage.UploadStats `json:"uploads,omitempty"`
}

type healthResponse struct {
	Status   string           `json:"status"`
	Sessions int              `json:"sessions"`
	Storage  *componentHealth `json:"storage,omitempty"`
	Database *componentHealth `json:"database,omitempty"`
}

// handleHealth serves GET /api/health. It answers 503 when a configured
// backing store fails its check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Sessions: s.svc.Sessions()}
	if s.cfg.Storage != nil {
		resp.Storage = checkComponent(ctx, s.cfg.Storage)
		uploads := s.cfg.Storage.GetMetrics()
		resp.Storage.Uploads = &uploads
	}
	if s.cfg.Database != nil {
		resp.Database = checkComponent(ctx, s.cfg.Database)
	}

	code := http.StatusOK
	for name, c := range map[string]*componentHealth{"storage": resp.Storage, "database": resp.Database} {
		if c != nil && c.Error != "" {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			s.logger.Warn("Health check failed", zap.String("component", name), zap.String("error", c.Error))
		}
	}
	writeJSON(w, code, resp)
}

func checkComponent(ctx context.Context, c HealthChecker) *componentHealth {
	if err := c.HealthCheck(ctx); err != nil {
		return &componentHealth{Status: "unavailable", Error: err.Error()}
	}
	return &componentHealth{Status: "ok"}
}
