package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"
	"lancast/internal/core/services"
	"lancast/internal/infrastructure/monitoring"
	"lancast/internal/infrastructure/transcode"

	"github.com/gin-gonic/gin"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	packets []*rtp.Packet
}

func newFakeSource(id string, payloads ...string) *fakeSource {
	f := &fakeSource{id: id, done: make(chan struct{})}
	for _, p := range payloads {
		f.packets = append(f.packets, &rtp.Packet{Payload: []byte(p)})
	}
	return f
}

func (f *fakeSource) ID() string            { return f.id }
func (f *fakeSource) Done() <-chan struct{} { return f.done }
func (f *fakeSource) Ended() bool           { return false }

func (f *fakeSource) Subscribe() (ports.Subscription, error) {
	return &fakeSub{src: f}, nil
}

type fakeSub struct {
	src *fakeSource
}

func (s *fakeSub) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if len(s.src.packets) == 0 {
		return nil, domain.ErrStreamEnded
	}
	pkt := s.src.packets[0]
	s.src.packets = s.src.packets[1:]
	return pkt, nil
}

func (s *fakeSub) Close() {}

// echoEncoder emits packet payloads verbatim.
type echoEncoder struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newEchoEncoder() *echoEncoder {
	pr, pw := io.Pipe()
	return &echoEncoder{pr: pr, pw: pw}
}

func (e *echoEncoder) Start(ctx context.Context) error { return nil }

func (e *echoEncoder) WriteRTP(p *rtp.Packet) error {
	_, err := e.pw.Write(p.Payload)
	return err
}

func (e *echoEncoder) CloseInput() error { return e.pw.Close() }
func (e *echoEncoder) Output() io.Reader { return e.pr }
func (e *echoEncoder) Close() error      { e.pw.Close(); return nil }

type harness struct {
	registry  *services.Registry
	collector *monitoring.Collector
	router    *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t).Sugar()
	collector := monitoring.NewCollector(prometheus.NewRegistry())
	registry := services.NewRegistry(collector)
	handler := NewStreamHandler(
		registry,
		transcode.NewPipeline(log),
		func() ports.Encoder { return newEchoEncoder() },
		collector,
		log,
	)

	router := gin.New()
	handler.SetupRoutes(router)
	return &harness{registry: registry, collector: collector, router: router}
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStream_UnknownID(t *testing.T) {
	h := newHarness(t)

	w := h.get("/stream/stream_missing.mp3")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Stream not found", w.Body.String())
}

func TestStream_NonMP3Path(t *testing.T) {
	h := newHarness(t)

	w := h.get("/stream/stream_a.wav")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_LatestWithoutStreams_ServesWaitingPage(t *testing.T) {
	h := newHarness(t)

	w := h.get("/stream/latest.mp3")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Waiting for Audio Stream")
}

func TestStream_TranscodesToClient(t *testing.T) {
	h := newHarness(t)
	h.registry.CreateStream("stream_a", newFakeSource("stream_a", "abc", "def"), "a")

	w := h.get("/stream/stream_a.mp3")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "abcdef", w.Body.String())
}

func TestStream_LatestResolvesNewestStream(t *testing.T) {
	h := newHarness(t)
	h.registry.CreateStream("stream_old", newFakeSource("stream_old", "old"), "a")
	h.registry.CreateStream("stream_new", newFakeSource("stream_new", "new"), "b")

	w := h.get("/stream/latest.mp3")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "new", w.Body.String())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	w := h.get("/stream/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active_streams":[]}`, w.Body.String())

	h.registry.CreateStream("stream_a", newFakeSource("stream_a"), "a")
	h.registry.CreateStream("stream_b", newFakeSource("stream_b"), "b")

	w = h.get("/stream/status")
	assert.JSONEq(t, `{"active_streams":["stream_a","stream_b"]}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	h.registry.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	w := h.get("/health")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["webrtc_available"])
	assert.Equal(t, true, body["audio_server_running"])
	assert.Equal(t, float64(1), body["active_streams"])
	assert.Equal(t, float64(0), body["connected_clients"])
	assert.Contains(t, body, "uptime_seconds")
	assert.NotContains(t, body, "timestamp")
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	h.collector.AddAudioBytes(42)
	h.registry.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	w := h.get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["active_streams"])
	assert.Equal(t, float64(42), body["total_audio_bytes"])
	assert.Equal(t, true, body["webrtc_available"])
	assert.Contains(t, body, "active_connections")
	assert.Contains(t, body, "uptime_seconds")
}
