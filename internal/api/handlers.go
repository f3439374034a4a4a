package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/session"
)

// StreamBoundary separates the JPEG parts of a live stream.
const StreamBoundary = "frame"

// handleStream serves GET /stream/{key} as multipart/x-mixed-replace. The
// response ends when the client leaves or the session is torn down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, err := s.svc.Lookup(key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Session not found"})
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(StreamBoundary); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+StreamBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	logger := s.logger.With(zap.String("session", key), zap.String("remote", r.RemoteAddr))
	logger.Info("Viewer attached")

	var delivered int
	defer func() { logger.Info("Viewer detached", zap.Int("frames", delivered)) }()

	for {
		f, err := sess.Next(r.Context())
		if err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				_ = mw.Close()
				_ = rc.Flush()
			}
			return
		}
		if err := writePart(mw, f); err != nil {
			logger.Debug("Stream write failed", zap.Error(err))
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
		delivered++
	}
}

func writePart(mw *multipart.Writer, f *frame.Frame) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(f.Data)
	return err
}

// handleImage serves GET /image/{key}: the latest still as JPEG.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	still, err := s.svc.LatestStill(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Image not found"})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(still.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(still.Data)
}

type predictResponse struct {
	ID        int    `json:"id"`
	Message   string `json:"message"`
	MessageVN string `json:"message_vn"`
}

// handlePredict runs one detection on an uploaded image for system_id.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFrameBytes+(1<<20))
	if err := r.ParseMultipartForm(s.cfg.MaxFrameBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No image part in the request"})
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No image part in the request"})
		return
	}
	defer file.Close()

	key := r.FormValue("system_id")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No system_id part in the request"})
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No image part in the request"})
		return
	}
	if len(payload) == 0 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No image selected for uploading"})
		return
	}

	res, err := s.svc.Predict(r.Context(), key, payload)
	var decodeErr *frame.DecodeError
	switch {
	case err == nil:
	case errors.Is(err, detection.ErrNoAccounts):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No account found with system_id"})
		return
	case errors.As(err, &decodeErr):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Image decoding failed"})
		return
	default:
		s.logger.Error("Prediction failed", zap.String("session", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Prediction failed"})
		return
	}

	writeJSON(w, http.StatusOK, predictResponse{
		ID:        int(res.Verdict.Kind),
		Message:   res.Verdict.Text(),
		MessageVN: res.Verdict.LocalizedText(),
	})
}
