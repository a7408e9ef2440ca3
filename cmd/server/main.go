package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hubcam/internal/camera"
	"hubcam/internal/platform/auth"
	"hubcam/internal/platform/config"
	"hubcam/internal/platform/logger"
	"hubcam/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	apiPrefix := "/" + strings.Trim(config.GetEnv("API_PREFIX", "/api/devices"), "/")
	sessionTTL := config.GetEnvDuration("STREAM_SESSION_TTL", camera.DefaultSessionTTL)
	segmentAttempts := config.GetEnvInt("STREAM_SEGMENT_ATTEMPTS", camera.DefaultSegmentAttempts)
	segmentBackoff := config.GetEnvDuration("STREAM_SEGMENT_BACKOFF", camera.DefaultSegmentBackoff)
	sweepInterval := config.GetEnvDuration("SESSION_SWEEP_INTERVAL", 30*time.Second)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()
	verifier := auth.NewVerifier(config.GetEnv("JWT_SECRET", ""), config.GetEnv("API_TOKEN", ""))

	var source camera.IntegrationSource
	if path := config.GetEnv("HUB_CONFIG_PATH", ""); path != "" {
		source = camera.FileIntegration{Path: path}
	} else {
		source = camera.StaticIntegration{
			Host:         config.GetEnv("HUB_HOST", ""),
			Token:        config.GetEnv("HUB_TOKEN", ""),
			RemoteHost:   config.GetEnv("HUB_REMOTE_HOST", ""),
			RemoteToken:  config.GetEnv("HUB_REMOTE_TOKEN", ""),
			WSPath:       config.GetEnv("HUB_WS_PATH", camera.DefaultWSPath),
			RemoteWSPath: config.GetEnv("HUB_REMOTE_WS_PATH", ""),
			PreferRemote: config.GetEnvBool("HUB_PREFER_REMOTE_STREAMS", false),
		}
	}

	streamPrefix := apiPrefix + "/cameras/streams"
	registry := camera.NewRegistry(sessionTTL)
	svc := camera.NewService(camera.ServiceConfig{
		Source:   source,
		Acquirer: camera.NewAcquirer(camera.AcquirerConfig{}, log),
		Registry: registry,
		Streamer: camera.NewStreamer(camera.StreamerConfig{
			SegmentAttempts: segmentAttempts,
			SegmentBackoff:  segmentBackoff,
		}, streamPrefix, log, met),
		Prefix: streamPrefix,
	}, log, met)
	h := camera.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Route(apiPrefix, func(r chi.Router) {
		h.Routes(r, auth.RequireToken(verifier, log), auth.OptionalToken(verifier, log))
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go registry.RunJanitor(ctx, sweepInterval)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"api_prefix", apiPrefix,
		"session_ttl", sessionTTL.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
