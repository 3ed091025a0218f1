package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"lancast/internal/core/ports"
	"lancast/internal/core/services"
	httphandlers "lancast/internal/handlers/http"
	"lancast/internal/infrastructure/middleware"
	"lancast/internal/infrastructure/monitoring"
	"lancast/internal/infrastructure/signal"
	"lancast/internal/infrastructure/transcode"
	webrtcinfra "lancast/internal/infrastructure/webrtc"
	"lancast/pkg/config"
	"lancast/pkg/logger"
	"lancast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Fallback locations checked when no certificate is configured, in order.
var tlsCandidates = [][2]string{
	{"/ssl/fullchain.pem", "/ssl/privkey.pem"},
	{"/data/ssl/fullchain.pem", "/data/ssl/privkey.pem"},
	{"/config/ssl/fullchain.pem", "/config/ssl/privkey.pem"},
	{"ssl/fullchain.pem", "ssl/privkey.pem"},
}

type serverState struct {
	Port      int    `json:"port"`
	TLS       bool   `json:"tls"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/config/lancast.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv()

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorw("failed to shut down tracing", "error", err)
		}
	}()

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)
	registry := services.NewRegistry(collector)

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	webrtcConfig := webrtcinfra.Config{
		ICEServers:  iceServers,
		SettleDelay: cfg.Signaling.SettleDelay,
		RelayBuffer: cfg.Relay.SubscriptionBuffer,
	}
	webrtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	sessionFactory := webrtcinfra.NewFactory(webrtcConfig, collector, log)

	wsServer := signal.NewWebSocketServer(registry, sessionFactory, collector, signal.Options{
		PingInterval:      cfg.Signaling.PingInterval,
		PongTimeout:       cfg.Signaling.PongTimeout,
		WriteTimeout:      cfg.Signaling.WriteTimeout,
		MessagesPerSecond: cfg.Signaling.MessagesPerSecond,
		MessageBurst:      cfg.Signaling.MessageBurst,
	}, log)

	pipeline := transcode.NewPipeline(log)
	newEncoder := func() ports.Encoder {
		return transcode.NewMP3Encoder(transcode.EncoderConfig{
			FFmpegPath:  cfg.Transcode.FFmpegPath,
			BitrateKbps: cfg.Transcode.BitrateKbps,
			SampleRate:  cfg.Transcode.SampleRate,
			Channels:    cfg.Transcode.Channels,
		}, log)
	}

	streamHandler := httphandlers.NewStreamHandler(registry, pipeline, newEncoder, collector, log)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	streamHandler.SetupRoutes(router)

	// The signaling endpoint doubles as the root path so bare clients can
	// connect without knowing the route.
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/", gin.WrapF(wsServer.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics/prometheus", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	certFile, keyFile := discoverTLS(cfg, log)
	useTLS := certFile != "" && keyFile != ""

	listener, port, err := hunt(cfg.Server.Host, cfg.Server.Port, cfg.Server.PortHuntAttempts)
	if err != nil {
		log.Fatalw("no usable port", "start_port", cfg.Server.Port, "error", err)
	}

	if cfg.Server.StateFile != "" {
		writeStateFile(cfg.Server.StateFile, port, useTLS, log)
	}

	// Background reaper for abandoned streams
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	reaper := services.NewReaper(registry, cfg.Reaper.Interval, cfg.Reaper.IdleTTL, log)
	go reaper.Run(reaperCtx)

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if useTLS {
			scheme = "https"
		}
		log.Infow("starting server", "scheme", scheme, "host", cfg.Server.Host, "port", port)
		var err error
		if useTLS {
			err = srv.ServeTLS(listener, certFile, keyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	reaperCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}
}

// discoverTLS returns the certificate pair to serve with, or empty strings
// for plain HTTP. Explicit configuration wins over the fallback locations.
func discoverTLS(cfg *config.Config, log *zap.SugaredLogger) (string, string) {
	cert, key := cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	if cert != "" && key != "" {
		if fileExists(cert) && fileExists(key) {
			return cert, key
		}
		log.Warnw("configured TLS files missing, falling back", "cert", cert, "key", key)
	}
	for _, pair := range tlsCandidates {
		if fileExists(pair[0]) && fileExists(pair[1]) {
			log.Infow("using TLS certificate", "cert", pair[0])
			return pair[0], pair[1]
		}
	}
	return "", ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// hunt binds the first free port in [start, start+attempts).
func hunt(host string, start, attempts int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := start + i
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("tried %d ports from %d: %w", attempts, start, lastErr)
}

func writeStateFile(path string, port int, tls bool, log *zap.SugaredLogger) {
	state := serverState{
		Port:      port,
		TLS:       tls,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Errorw("failed to encode server state", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Errorw("failed to write server state", "path", path, "error", err)
	}
}
