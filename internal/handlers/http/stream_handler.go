package http

import (
	"context"
	"net/http"
	"os"
	"strings"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"
	"lancast/internal/core/services"
	"lancast/internal/infrastructure/monitoring"
	"lancast/internal/infrastructure/transcode"
	apperrors "lancast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// waitingPage is served on /stream/latest.mp3 while no sender is live.
// It polls the status endpoint and offers a reload once audio appears.
const waitingPage = `<!DOCTYPE html>
<html>
<head>
<style>
  body { background-color: #1c1c1c; color: #e0e0e0; font-family: -apple-system, "Segoe UI", Roboto, Arial, sans-serif;
         display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; text-align: center; }
  .loader { border: 4px solid #333; border-top: 4px solid #03a9f4; border-radius: 50%; width: 40px; height: 40px;
            animation: spin 1s linear infinite; margin: 0 auto 20px auto; }
  @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
  .btn { background-color: #03a9f4; border: none; color: white; padding: 12px 24px; font-size: 16px;
         margin-top: 20px; cursor: pointer; border-radius: 4px; font-weight: 500; }
</style>
<script>
  let delay = 1000;
  let polling = true;
  async function checkStream() {
    if (!polling) return;
    try {
      const response = await fetch('/stream/status');
      if (response.ok) {
        const data = await response.json();
        if (data.active_streams && data.active_streams.length > 0) {
          polling = false;
          document.getElementById('loader').style.display = 'none';
          document.getElementById('status-text').innerText = 'Audio Stream Ready';
          document.getElementById('status-text').style.color = '#4CAF50';
          document.getElementById('start-btn').style.display = 'inline-block';
          return;
        }
      }
    } catch (e) {}
    delay = Math.min(delay * 1.5, 10000);
    setTimeout(checkStream, delay);
  }
  setTimeout(checkStream, delay);
</script>
</head>
<body>
<div>
  <div id="loader" class="loader"></div>
  <h3 id="status-text">Waiting for Audio Stream...</h3>
  <button id="start-btn" class="btn" style="display: none;" onclick="window.location.reload()">Start Listening</button>
  <p style="color: #888; font-size: 0.9em; margin-top: 20px;">Standby Mode</p>
</div>
</body>
</html>`

// TranscodeStats tracks in-flight transcoding sessions.
type TranscodeStats interface {
	TranscodeStarted()
	TranscodeStopped()
}

// StreamHandler serves the progressive-download MP3 surface and the
// status endpoints.
type StreamHandler struct {
	registry   *services.Registry
	pipeline   *transcode.Pipeline
	newEncoder func() ports.Encoder
	collector  *monitoring.Collector
	caPaths    []string
	logger     *zap.SugaredLogger
}

func NewStreamHandler(
	registry *services.Registry,
	pipeline *transcode.Pipeline,
	newEncoder func() ports.Encoder,
	collector *monitoring.Collector,
	logger *zap.SugaredLogger,
) *StreamHandler {
	return &StreamHandler{
		registry:   registry,
		pipeline:   pipeline,
		newEncoder: newEncoder,
		collector:  collector,
		caPaths: []string{
			"/ssl/ca.crt",
			"/data/ssl/ca.crt",
			"/config/ssl/ca.crt",
			"ssl/ca.crt",
			"./ca.crt",
		},
		logger: logger,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/stream/status", h.Status)
	router.GET("/stream/:file", h.Stream)
	router.GET("/health", h.Health)
	router.GET("/metrics", h.Metrics)
	router.GET("/ca.crt", h.CACertificate)
}

// Stream handles /stream/<id>.mp3 and /stream/latest.mp3.
func (h *StreamHandler) Stream(c *gin.Context) {
	file := c.Param("file")
	if !strings.HasSuffix(file, ".mp3") {
		appErr := apperrors.NewNotFoundError("stream")
		c.String(appErr.HTTPStatus, "Stream not found")
		return
	}
	id := strings.TrimSuffix(file, ".mp3")

	if id == "latest" {
		latest, ok := h.registry.LatestStreamID()
		if !ok {
			c.Header("Content-Type", "text/html; charset=utf-8")
			c.String(http.StatusOK, waitingPage)
			return
		}
		id = string(latest)
	}

	handle, ok := h.registry.Lookup(domain.StreamID(id))
	if !ok {
		appErr := apperrors.NewNotFoundError("stream")
		c.String(appErr.HTTPStatus, "Stream not found")
		return
	}

	sub, err := handle.Source.Subscribe()
	if err != nil {
		h.logger.Errorw("failed to subscribe to track", "stream_id", id, "error", err)
		appErr := apperrors.NewInternalError("Failed to subscribe to media track")
		c.String(appErr.HTTPStatus, appErr.Message)
		return
	}

	h.logger.Infow("starting audio stream", "stream_id", id, "remote", c.ClientIP())

	c.Header("Content-Type", "audio/mpeg")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	// The pipeline ends when the client goes away, the source ends, or
	// the stream is evicted from the registry.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-handle.Done:
			cancel()
		case <-ctx.Done():
		}
	}()

	h.collector.TranscodeStarted()
	defer h.collector.TranscodeStopped()

	if err := h.pipeline.Run(ctx, sub, h.newEncoder(), c.Writer, func() { c.Writer.Flush() }); err != nil {
		h.logger.Infow("audio stream finished", "stream_id", id, "reason", err)
	}
}

func (h *StreamHandler) Status(c *gin.Context) {
	ids := h.registry.ListStreamIDs()
	streams := make([]string, 0, len(ids))
	for _, id := range ids {
		streams = append(streams, string(id))
	}
	c.JSON(http.StatusOK, gin.H{"active_streams": streams})
}

func (h *StreamHandler) Health(c *gin.Context) {
	snap := h.collector.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":               "healthy",
		"webrtc_available":     true,
		"audio_server_running": true,
		"active_streams":       h.registry.StreamCount(),
		"connected_clients":    h.registry.ConnectionCount(),
		"uptime_seconds":       snap.UptimeSeconds,
	})
}

func (h *StreamHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.Snapshot())
}

// CACertificate serves the LAN CA certificate when deployed with one.
func (h *StreamHandler) CACertificate(c *gin.Context) {
	for _, path := range h.caPaths {
		if _, err := os.Stat(path); err == nil {
			c.File(path)
			return
		}
	}
	c.String(http.StatusNotFound, "CA Certificate not found")
}
