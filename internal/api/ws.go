package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

var (
	// pongWait is the time allowed to read the next message or pong from the peer
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	writeWait = 10 * time.Second
)

// Ingest channel message types.
const (
	EventFrame           = "frame"
	EventStartRecording  = "start_recording"
	EventStopRecording   = "stop_recording"
	EventRotateRecording = "rotate_recording"
)

// wsMessage is a text frame from a device. Binary frames carry raw JPEG for
// the key bound by the session_key query parameter.
type wsMessage struct {
	Type       string `json:"type"`
	SessionKey string `json:"session_key"`
	Image      string `json:"image,omitempty"`
}

// wsReply acknowledges a lifecycle event.
type wsReply struct {
	Type       string `json:"type"`
	SessionKey string `json:"session_key"`
	OK         bool   `json:"ok"`
	Path       string `json:"path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IngestHandler accepts device connections on /ws. Each connection's
// messages are handled in arrival order; when it closes, every session key it
// touched is torn down.
type IngestHandler struct {
	svc            Service
	logger         *zap.Logger
	maxMessageSize int64
	upgrader       websocket.Upgrader

	mu     sync.Mutex
	conns  map[*ingestConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type ingestConn struct {
	conn    *websocket.Conn
	bound   string
	touched map[string]struct{}
	logger  *zap.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
}

// NewIngestHandler creates the websocket ingest handler. maxFrameBytes bounds
// a decoded frame; text messages may be larger by the base64 overhead.
func NewIngestHandler(svc Service, allowedOrigins []string, maxFrameBytes int64, logger *zap.Logger) *IngestHandler {
	h := &IngestHandler{
		svc:            svc,
		logger:         logger,
		maxMessageSize: maxFrameBytes*4/3 + 1024,
		conns:          make(map[*ingestConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker allows requests without an Origin header (devices), any
// origin when the list is empty or contains "*", and listed origins otherwise.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *IngestHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &ingestConn{
		conn:       conn,
		bound:      r.URL.Query().Get("session_key"),
		touched:    make(map[string]struct{}),
		logger:     h.logger.With(zap.String("remote", r.RemoteAddr)),
		send:       make(chan []byte, 16),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if !h.track(c) {
		_ = conn.Close()
		return
	}
	defer h.untrack(c)

	c.logger.Info("Device connected", zap.String("session", c.bound))

	go c.writePump()
	h.readPump(c)

	close(c.done)
	<-c.writerDone
	_ = conn.Close()

	for key := range c.touched {
		if _, err := h.svc.Teardown(key); err != nil {
			c.logger.Warn("Teardown on disconnect failed", zap.String("session", key), zap.Error(err))
		}
	}
	c.logger.Info("Device disconnected", zap.Int("sessions", len(c.touched)))
}

func (h *IngestHandler) track(c *ingestConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *IngestHandler) untrack(c *ingestConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// CloseAll closes every open connection, rejects new ones and waits until
// each connection has torn down the sessions it touched.
func (h *IngestHandler) CloseAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*ingestConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
	h.wg.Wait()
}

func (h *IngestHandler) readPump(c *ingestConn) {
	c.conn.SetReadLimit(h.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.logger.Warn("Message exceeds size limit, closing", zap.Int64("limit", h.maxMessageSize))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Unexpected websocket close", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.BinaryMessage:
			h.ingest(c, c.bound, data)
		case websocket.TextMessage:
			h.handleText(c, data)
		}
	}
}

func (h *IngestHandler) handleText(c *ingestConn, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Dropping malformed message", zap.Error(err))
		return
	}
	key := msg.SessionKey
	if key == "" {
		key = c.bound
	}

	switch msg.Type {
	case EventFrame, "":
		img, err := decodeImageField(msg.Image)
		if err != nil {
			c.logger.Warn("Dropping frame with unreadable image", zap.String("session", key), zap.Error(err))
			return
		}
		h.ingest(c, key, img)

	case EventStartRecording:
		if key == "" {
			c.reply(wsReply{Type: msg.Type, Error: "session_key is required"})
			return
		}
		c.touched[key] = struct{}{}
		path, err := h.svc.StartRecording(key)
		c.replyResult(msg.Type, key, path, err)

	case EventRotateRecording:
		path, err := h.svc.RotateRecording(key)
		c.replyResult(msg.Type, key, path, err)

	case EventStopRecording:
		_, err := h.svc.Teardown(key)
		delete(c.touched, key)
		c.replyResult(msg.Type, key, "", err)

	default:
		c.logger.Warn("Unknown message type", zap.String("type", msg.Type), zap.String("session", key))
	}
}

func (h *IngestHandler) ingest(c *ingestConn, key string, payload []byte) {
	if key == "" {
		c.logger.Warn("Dropping frame without session key")
		return
	}
	if len(payload) == 0 {
		c.logger.Warn("Dropping frame without image", zap.String("session", key))
		return
	}
	c.touched[key] = struct{}{}

	res, err := h.svc.Ingest(key, payload)
	var decodeErr *frame.DecodeError
	switch {
	case err == nil:
		c.logger.Debug("Frame ingested", zap.String("session", key), zap.Uint64("seq", res.Seq))
	case errors.As(err, &decodeErr):
		// logged by the pipeline
	default:
		c.logger.Warn("Frame ingest failed", zap.String("session", key), zap.Error(err))
	}
}

// decodeImageField accepts plain base64 or a data URL.
func decodeImageField(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("missing image")
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *ingestConn) replyResult(typ, key, path string, err error) {
	r := wsReply{Type: typ, SessionKey: key, OK: err == nil, Path: path}
	if err != nil {
		r.Error = err.Error()
		c.logger.Warn("Lifecycle event failed", zap.String("type", typ), zap.String("session", key), zap.Error(err))
	}
	c.reply(r)
}

func (c *ingestConn) reply(r wsReply) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.writerDone:
	default:
		c.logger.Warn("Reply queue full, dropping", zap.String("type", r.Type))
	}
}

func (c *ingestConn) writePump() {
	defer close(c.writerDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
