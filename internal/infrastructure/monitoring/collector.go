package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes relay counters both as Prometheus metrics and as the
// JSON snapshot served on /metrics and /health.
type Collector struct {
	startTime time.Time

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	streamsActive     prometheus.Gauge
	streamsTotal      prometheus.Counter
	audioBytesTotal   prometheus.Counter
	transcodeSessions prometheus.Gauge
	receiverLoss      prometheus.Gauge
	receiverJitter    prometheus.Gauge

	// snapshot values, read without touching the prometheus registry
	connCount  atomic.Int64
	streamNum  atomic.Int64
	audioBytes atomic.Int64
}

// NewCollector registers the relay metrics with the given registerer.
// Tests pass a fresh prometheus.NewRegistry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		startTime: time.Now(),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_connections_active",
			Help: "Number of open signaling connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_connections_total",
			Help: "Total number of signaling connections accepted",
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_streams_active",
			Help: "Number of live audio streams",
		}),
		streamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_streams_total",
			Help: "Total number of audio streams created",
		}),
		audioBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_audio_bytes_total",
			Help: "Total audio payload bytes relayed",
		}),
		transcodeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_transcode_sessions_active",
			Help: "Number of HTTP transcoding sessions in flight",
		}),
		receiverLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_receiver_fraction_lost",
			Help: "Most recent fraction-lost value reported over RTCP",
		}),
		receiverJitter: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_receiver_jitter",
			Help: "Most recent interarrival jitter reported over RTCP",
		}),
	}
}

func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
	c.connCount.Add(1)
}

func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
	c.connCount.Add(-1)
}

func (c *Collector) StreamCreated() {
	c.streamsActive.Inc()
	c.streamsTotal.Inc()
	c.streamNum.Add(1)
}

func (c *Collector) StreamRemoved() {
	c.streamsActive.Dec()
	c.streamNum.Add(-1)
}

func (c *Collector) AddAudioBytes(n int) {
	c.audioBytesTotal.Add(float64(n))
	c.audioBytes.Add(int64(n))
}

func (c *Collector) TranscodeStarted() { c.transcodeSessions.Inc() }
func (c *Collector) TranscodeStopped() { c.transcodeSessions.Dec() }

func (c *Collector) ObserveReceiverReport(fractionLost float64, jitter uint32) {
	c.receiverLoss.Set(fractionLost)
	c.receiverJitter.Set(float64(jitter))
}

// Snapshot is the JSON view of the counters.
type Snapshot struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	ActiveConnections int64 `json:"active_connections"`
	ActiveStreams     int64 `json:"active_streams"`
	TotalAudioBytes   int64 `json:"total_audio_bytes"`
	WebRTCAvailable   bool  `json:"webrtc_available"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:     int64(time.Since(c.startTime).Seconds()),
		ActiveConnections: c.connCount.Load(),
		ActiveStreams:     c.streamNum.Load(),
		TotalAudioBytes:   c.audioBytes.Load(),
		WebRTCAvailable:   true,
	}
}
