package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/metrics"
	"github.com/mikeyg42/cribwatch/internal/pipeline"
	"github.com/mikeyg42/cribwatch/internal/recorder"
	"github.com/mikeyg42/cribwatch/internal/sampler"
	"github.com/mikeyg42/cribwatch/internal/session"
	"github.com/mikeyg42/cribwatch/internal/storage"
)

type fakeDecoder struct{}

func (fakeDecoder) Decode(payload []byte) (*frame.Frame, error) {
	if string(payload) == "bad" {
		return nil, &frame.DecodeError{Reason: "not a jpeg"}
	}
	return &frame.Frame{Data: payload, Width: 4, Height: 4}, nil
}

type nopSink struct{}

func (nopSink) WriteFrame(*frame.Frame) error { return nil }
func (nopSink) Close() error                  { return nil }

func nopFactory(string, recorder.Params) (recorder.Sink, error) { return nopSink{}, nil }

// verdictDetector maps image contents to outcomes. The key "nobody-home"
// has no accounts.
type verdictDetector struct{}

func (verdictDetector) Run(_ context.Context, still *frame.Frame, _, _ string) (detection.Result, error) {
	if string(still.Data) == "empty-crib" {
		return detection.Result{Verdict: detection.NotInCribVerdict()}, nil
	}
	return detection.Result{Verdict: detection.InCribVerdict()}, nil
}

func (d verdictDetector) Predict(ctx context.Context, key string, decode func() (*frame.Frame, error)) (detection.Result, error) {
	if key == "nobody-home" {
		return detection.Result{}, detection.ErrNoAccounts
	}
	still, err := decode()
	if err != nil {
		return detection.Result{}, err
	}
	return d.Run(ctx, still, "", key)
}

type fakeStore struct {
	err   error
	stats storage.UploadStats
}

func (f fakeStore) HealthCheck(context.Context) error { return f.err }
func (f fakeStore) GetMetrics() storage.UploadStats   { return f.stats }

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	manager *pipeline.Manager
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sched := sampler.New(sampler.Config{Interval: time.Hour, Grace: time.Hour, ClipDir: t.TempDir()}, nopFactory, verdictDetector{}, logger)
	m, err := pipeline.New(pipeline.Config{RecordingDir: t.TempDir()}, pipeline.Dependencies{
		Store:     session.NewStore(session.Options{StreamQueueLimit: 100}),
		Decoder:   fakeDecoder{},
		Sinks:     nopFactory,
		Scheduler: sched,
		Detector:  verdictDetector{},
	}, logger)
	require.NoError(t, err)

	srv := NewServer(cfg, m, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.ingest.CloseAll()
		m.Shutdown(time.Second)
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, http: ts, manager: m}
}

func decodeMessage(t *testing.T, r io.Reader) string {
	t.Helper()
	var body messageResponse
	require.NoError(t, json.NewDecoder(r).Decode(&body))
	return body.Message
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.manager.Ingest("nursery", []byte("x"))
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Sessions: 1}, body)
}

func TestHealthChecksBackingStores(t *testing.T) {
	tests := []struct {
		name     string
		storage  fakeStore
		database fakeStore
		wantCode int
		want     string
	}{
		{"healthy", fakeStore{stats: storage.UploadStats{TotalUploads: 3, UploadBytes: 900}}, fakeStore{}, http.StatusOK, "ok"},
		{"database down", fakeStore{}, fakeStore{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "degraded"},
		{"bucket missing", fakeStore{err: errors.New("bucket cribwatch does not exist")}, fakeStore{}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{Storage: tt.storage, Database: tt.database})

			resp, err := http.Get(env.http.URL + "/api/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body healthResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.want, body.Status)

			require.NotNil(t, body.Storage)
			require.NotNil(t, body.Database)
			if tt.storage.err != nil {
				assert.Equal(t, "unavailable", body.Storage.Status)
				assert.Equal(t, tt.storage.err.Error(), body.Storage.Error)
			} else {
				assert.Equal(t, "ok", body.Storage.Status)
			}
			if tt.database.err != nil {
				assert.Equal(t, "unavailable", body.Database.Status)
			} else {
				assert.Equal(t, "ok", body.Database.Status)
			}
			require.NotNil(t, body.Storage.Uploads)
			assert.Equal(t, tt.storage.stats, *body.Storage.Uploads)
		})
	}
}

func TestImageSurvivesTeardown(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.manager.Ingest("nursery", []byte("jpeg-last"))
	require.NoError(t, err)
	_, err = env.manager.Teardown("nursery")
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/image/nursery")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jpeg-last", string(body))

	resp, err = http.Get(env.http.URL + "/stream/nursery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "the stream ends with the session")
}

func TestImageEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.http.URL + "/image/nursery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = env.manager.Ingest("nursery", []byte("jpeg-1"))
	require.NoError(t, err)
	_, err = env.manager.Ingest("nursery", []byte("jpeg-2"))
	require.NoError(t, err)

	resp, err = http.Get(env.http.URL + "/image/nursery")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "jpeg-2", string(body))
}

func TestStreamUnknownKey(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.http.URL + "/stream/absent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Session not found", decodeMessage(t, resp.Body))
}

func TestStreamDeliversFramesUntilTeardown(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, p := range []string{"a", "bb", "ccc"} {
		_, err := env.manager.Ingest("nursery", []byte(p))
		require.NoError(t, err)
	}

	resp, err := http.Get(env.http.URL + "/stream/nursery")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, StreamBoundary, params["boundary"])

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for _, want := range []string{"a", "bb", "ccc"} {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}

	_, err = env.manager.Teardown("nursery")
	require.NoError(t, err)

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func predictRequest(t *testing.T, url string, fields map[string]string, filename string, image []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/api/baby_in_crib_detection/predict", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestPredictRejections(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		image    []byte
		want     string
	}{
		{"no image", map[string]string{"system_id": "nursery"}, "", nil, "No image part in the request"},
		{"no system id", nil, "crib.jpg", []byte("baby"), "No system_id part in the request"},
		{"empty image", map[string]string{"system_id": "nursery"}, "crib.jpg", []byte{}, "No image selected for uploading"},
		{"no accounts", map[string]string{"system_id": "nobody-home"}, "crib.jpg", []byte("bad"), "No account found with system_id"},
		{"undecodable", map[string]string{"system_id": "nursery"}, "crib.jpg", []byte("bad"), "Image decoding failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := predictRequest(t, env.http.URL, tt.fields, tt.filename, tt.image)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, decodeMessage(t, resp.Body))
		})
	}
}

func TestPredictVerdicts(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		image string
		want  predictResponse
	}{
		{"baby", predictResponse{ID: 1, Message: "Baby is in crib", MessageVN: "Trẻ đang an toàn"}},
		{"empty-crib", predictResponse{ID: 0, Message: "Baby is not in crib", MessageVN: "Trẻ không an toàn"}},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			resp := predictRequest(t, env.http.URL, map[string]string{"system_id": "nursery"}, "crib.jpg", []byte(tt.image))
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var got predictResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"http://app.local"}})

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://app.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamRoutesAreRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{StreamRateLimit: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(env.http.URL + "/image/absent")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	resp, err := http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	env := newTestEnv(t, Config{Gatherer: reg, MetricsPath: "/metrics"})

	_, err := env.manager.Ingest("nursery", []byte("x"))
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cribwatch_frames_ingested_total")
	assert.Contains(t, string(body), "cribwatch_sessions_active")
}

func TestSessionStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.http.URL + "/api/sessions/nursery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = env.manager.StartRecording("nursery")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := env.manager.Ingest("nursery", []byte("x"))
		require.NoError(t, err)
	}

	resp, err = http.Get(env.http.URL + "/api/sessions/nursery")
	require.NoError(t, err)
	defer resp.Body.Close()

	var view sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "nursery", view.Key)
	assert.True(t, view.Recording)
	assert.Equal(t, uint64(4), view.FramesIngested)
	assert.Equal(t, 4, view.SampleCached)
	require.NotNil(t, view.Recorder)
	assert.Equal(t, uint64(4), view.Recorder.FramesWritten)
}

func dialWS(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readReply(t *testing.T, conn *websocket.Conn) wsReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var r wsReply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func TestWebsocketIngestLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := dialWS(t, env, "?session_key=nursery")
	defer conn.Close()

	sendJSON(t, conn, wsMessage{Type: EventStartRecording, SessionKey: "nursery"})
	r := readReply(t, conn)
	assert.True(t, r.OK)
	assert.Equal(t, EventStartRecording, r.Type)
	assert.Contains(t, r.Path, "nursery")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("raw-jpeg")))
	sendJSON(t, conn, wsMessage{Type: EventFrame, SessionKey: "nursery",
		Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("b64-jpeg"))})

	// malformed input is dropped and the connection stays usable
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	sendJSON(t, conn, wsMessage{Type: EventFrame, SessionKey: "nursery", Image: "%%%"})
	sendJSON(t, conn, wsMessage{Type: EventFrame, SessionKey: "nursery", Image: base64.StdEncoding.EncodeToString([]byte("bad"))})

	sendJSON(t, conn, wsMessage{Type: EventRotateRecording, SessionKey: "nursery"})
	r = readReply(t, conn)
	assert.True(t, r.OK, r.Error)

	still, err := env.manager.LatestStill("nursery")
	require.NoError(t, err)
	assert.Equal(t, "b64-jpeg", string(still.Data))

	sess, err := env.manager.Lookup("nursery")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess.Stats().FramesIngested)

	sendJSON(t, conn, wsMessage{Type: EventStopRecording, SessionKey: "nursery"})
	r = readReply(t, conn)
	assert.True(t, r.OK)
	assert.Equal(t, 0, env.manager.Sessions())
}

func TestWebsocketRejectsDuplicateStart(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := dialWS(t, env, "")
	defer conn.Close()

	sendJSON(t, conn, wsMessage{Type: EventStartRecording, SessionKey: "nursery"})
	assert.True(t, readReply(t, conn).OK)

	sendJSON(t, conn, wsMessage{Type: EventStartRecording, SessionKey: "nursery"})
	r := readReply(t, conn)
	assert.False(t, r.OK)
	assert.Equal(t, session.ErrAlreadyRecording.Error(), r.Error)
}

func TestWebsocketDisconnectTearsDownTouchedSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := dialWS(t, env, "")

	sendJSON(t, conn, wsMessage{Type: EventStartRecording, SessionKey: "a"})
	assert.True(t, readReply(t, conn).OK)
	sendJSON(t, conn, wsMessage{Type: EventFrame, SessionKey: "b", Image: base64.StdEncoding.EncodeToString([]byte("x"))})
	sendJSON(t, conn, wsMessage{Type: EventRotateRecording, SessionKey: "a"})
	assert.True(t, readReply(t, conn).OK)

	// a session owned by another client survives
	_, err := env.manager.Ingest("other", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 3, env.manager.Sessions())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.manager.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = env.manager.Lookup("other")
	assert.NoError(t, err)
}

func TestWebsocketConcurrentDevices(t *testing.T) {
	env := newTestEnv(t, Config{})

	var wg sync.WaitGroup
	for _, key := range []string{"crib-1", "crib-2", "crib-3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?session_key=" + key
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			for i := 0; i < 20; i++ {
				if !assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(key))) {
					return
				}
			}
			b, _ := json.Marshal(wsMessage{Type: EventStopRecording, SessionKey: key})
			if !assert.NoError(t, conn.WriteMessage(websocket.TextMessage, b)) {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var r wsReply
			assert.NoError(t, conn.ReadJSON(&r))
			assert.True(t, r.OK)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, env.manager.Sessions())
}
