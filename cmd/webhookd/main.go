package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cryptodash/webhookd/internal/config"
	"github.com/cryptodash/webhookd/internal/delivery"
	"github.com/cryptodash/webhookd/internal/handler"
	"github.com/cryptodash/webhookd/internal/kv"
	"github.com/cryptodash/webhookd/internal/store"
)

func main() {
	_ = godotenv.Load()  // Load .env file
	cfg := config.Load() // Load config from environment variables

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Pick the backing key-value store
	var backend kv.Store
	switch cfg.StoreDriver {
	case "redis":
		rdb, err := kv.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		backend = rdb
		slog.Info("connected to redis")
	case "postgres":
		pg, err := kv.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		backend = pg
		slog.Info("connected to postgres")
	default:
		backend = kv.NewMemory()
		slog.Warn("using in-memory store; subscriptions will not survive restarts")
	}

	// Initialize store, engine, and handlers
	s := store.New(backend)
	engine := delivery.New(s, cfg.DeliveryTimeout)
	webhookH := handler.NewWebhookHandler(s, engine)

	// Routes
	r := gin.Default()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	api := r.Group("/api", handler.RequireKey)
	{
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("", webhookH.Register)
			webhooks.GET("", webhookH.List)
			webhooks.GET("/stats", webhookH.Stats)
			webhooks.GET("/:id", webhookH.Get)
			webhooks.PATCH("/:id", webhookH.Update)
			webhooks.DELETE("/:id", webhookH.Delete)
			webhooks.POST("/:id/rotate", webhookH.RotateSecret)
			webhooks.POST("/:id/test", webhookH.Test)
			webhooks.GET("/:id/deliveries", webhookH.DeliveryLogs)
		}
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("webhook server listening", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
