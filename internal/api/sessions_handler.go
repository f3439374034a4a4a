package api

import (
	"net/http"
	"time"

	"github.com/mikeyg42/cribwatch/internal/session"
)

// SessionsHandler exposes per-session pipeline stats.
type SessionsHandler struct {
	svc Service
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(svc Service) *SessionsHandler {
	return &SessionsHandler{svc: svc}
}

// RegisterRoutes registers session API routes
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions/{key}", h.handleGetSession)
}

type recordingView struct {
	Path          string    `json:"path"`
	StartedAt     time.Time `json:"started_at"`
	FramesWritten uint64    `json:"frames_written"`
	BytesWritten  uint64    `json:"bytes_written"`
	WriteErrors   uint64    `json:"write_errors"`
}

type sessionView struct {
	Key            string         `json:"session_key"`
	CreatedAt      time.Time      `json:"created_at"`
	Recording      bool           `json:"recording"`
	FramesIngested uint64         `json:"frames_ingested"`
	SampleCached   int            `json:"sample_cached"`
	SampleDropped  uint64         `json:"sample_dropped"`
	RecordErrors   uint64         `json:"record_errors"`
	StreamPending  int            `json:"stream_pending"`
	StreamDropped  int64          `json:"stream_dropped"`
	LastFrameAt    *time.Time     `json:"last_frame_at,omitempty"`
	Recorder       *recordingView `json:"recorder,omitempty"`
}

func newSessionView(st session.Stats) sessionView {
	v := sessionView{
		Key:            st.Key,
		CreatedAt:      st.CreatedAt,
		Recording:      st.Recording,
		FramesIngested: st.FramesIngested,
		SampleCached:   st.SampleCached,
		SampleDropped:  st.SampleDropped,
		RecordErrors:   st.RecordErrors,
		StreamPending:  st.Stream.Pending,
		StreamDropped:  st.Stream.Dropped,
	}
	if !st.Stream.LastFrameTime.IsZero() {
		t := st.Stream.LastFrameTime
		v.LastFrameAt = &t
	}
	if st.Recorder != nil {
		v.Recorder = &recordingView{
			Path:          st.Recorder.Path,
			StartedAt:     st.Recorder.StartedAt,
			FramesWritten: st.Recorder.FramesWritten,
			BytesWritten:  st.Recorder.BytesWritten,
			WriteErrors:   st.Recorder.WriteErrors,
		}
	}
	return v
}

// handleGetSession returns the stats of one live session
func (h *SessionsHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Lookup(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess.Stats()))
}
