package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Log.Level)
	gin.SetMode(cfg.Server.Mode)

	if err := run(cfg); err != nil {
		logger.Fatalf("Server stopped: %v", err)
	}
	logger.Info().Msg("Server exited")
}

// run serves until SIGINT/SIGTERM, then drains HTTP and stops the jobs.
func run(cfg *config.Config) error {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap(signalCtx, cfg)
	if err != nil {
		return err
	}
	defer svc.shutdown()

	if err := svc.start(); err != nil {
		return err
	}

	r := gin.New()
	limiters := registerRoutes(r, svc)
	defer func() {
		for _, l := range limiters {
			l.Stop()
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("environment", cfg.Flags.Environment).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	return group.Wait()
}
