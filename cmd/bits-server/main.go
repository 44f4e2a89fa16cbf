package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/bitsd/internal/middleware"
	"github.com/lgulliver/bitsd/internal/storage"
	"github.com/lgulliver/bitsd/internal/upload"
	"github.com/lgulliver/bitsd/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Logging)

	log.Info().Str("addr", cfg.Server.Addr()).Msg("starting BITS upload server")

	if err := os.MkdirAll(cfg.Storage.TargetDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Storage.TargetDir).Msg("failed to create target directory")
	}
	spool, err := storage.NewSpool(cfg.Storage.SpoolDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize spool storage")
	}

	registry := upload.NewRegistry(spool, cfg.Upload.FragmentLimit)
	service := upload.NewService(registry, cfg.Storage.TargetDir)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogging())
	upload.RegisterRoutes(router, service, cfg.Upload.FragmentLimit)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": registry.Count()})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	// Idle-session expiry runs outside the request path and reclaims spool
	// space through the normal cancel path.
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	go runSweeper(sweeperCtx, registry, cfg.Upload)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Open sessions do not survive a restart; drop their spool files now
	// rather than leaving orphans behind.
	registry.CancelAll()
	log.Info().Msg("shutdown complete")
}

func runSweeper(ctx context.Context, registry *upload.Registry, cfg config.UploadConfig) {
	if cfg.SweepInterval <= 0 || cfg.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := registry.SweepIdle(cfg.SessionTTL.Std()); expired > 0 {
				log.Info().Int("expired", expired).Msg("idle session sweep completed")
			}
		}
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
