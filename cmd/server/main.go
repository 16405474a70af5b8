package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"coursezipgo/internal/builder"
	"coursezipgo/internal/config"
	"coursezipgo/internal/expand"
	"coursezipgo/internal/fetch"
	"coursezipgo/internal/handler"
	"coursezipgo/internal/storage"
	"coursezipgo/internal/telemetry"
	"coursezipgo/internal/tracking"
	"coursezipgo/internal/websocket"
)

func main() {
	godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	SetupLogger(cfg.LogLevel)
	log := slog.Default()

	kv, err := openKV(cfg)
	if err != nil {
		log.Error("Cannot open storage", "error", err)
		os.Exit(1)
	}

	store, err := tracking.Load(context.Background(), kv, log)
	if err != nil {
		log.Error("Cannot load tracking state", "error", err)
		os.Exit(1)
	}

	engine := fetch.New(fetch.Config{
		FileTimeout:   cfg.FileTimeout,
		PageTimeout:   cfg.PageTimeout,
		SessionCookie: cfg.SessionCookie,
	}, log)
	expander := expand.New(engine, cfg.ResourcePatterns, log)
	counters := telemetry.NewCounters()
	b := builder.New(engine, expander, store, counters, cfg.Workers, log)
	reporter := telemetry.NewReporter(cfg.TelemetryEndpoint, kv, log)

	hub := websocket.NewHub()
	go hub.Run()
	buildServer := websocket.NewBuildServer(b, cfg.ChunkSize, log)

	r := chi.NewRouter()
	r.Post("/build", handler.BuildHandler(b, hub, reporter))
	r.Get("/tracking", handler.GetTrackingHandler(b))
	r.Delete("/tracking", handler.ResetTrackingHandler(b))
	r.Get("/settings", handler.GetSettingsHandler(kv))
	r.Put("/settings", handler.PutSettingsHandler(kv))
	r.Get("/telemetry", handler.GetTelemetryHandler(kv))
	r.Post("/telemetry", handler.TelemetryOptInHandler(kv))
	r.Get("/ws", hub.WsHandler)
	r.Get("/ws/build", buildServer.Handler)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown")
		}
		done <- true
	}()

	log.Info("Server starting", "port", cfg.Port, "storage", cfg.Storage)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Failed to start server", "error", err)
	}
	<-done
	log.Info("Server exited")
}

func openKV(cfg config.Config) (storage.KV, error) {
	if cfg.Storage == "redis" {
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return storage.NewRedisKV(cl, cfg.RedisPrefix), nil
	}
	return storage.NewFileKV(cfg.DataDir)
}

func SetupLogger(level slog.Level) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		AddSource:  true,
	})

	slog.SetDefault(slog.New(handler))
}
