package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mapcore/internal/app"
	"mapcore/internal/config"
	httphandlers "mapcore/internal/http"
	"mapcore/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	server := cfg.TileServer()
	log.Info("Starting mapcore server",
		zap.Int("port", cfg.Port),
		zap.String("tile_server", server.Name),
		zap.String("decoder", cfg.Decoder),
		zap.String("cache_policy", cfg.CachePolicy),
	)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize image manager", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, a.Manager, server)

	mux := http.NewServeMux()
	handlers.Routes(mux)

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux)),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(apiServer)
	})
	g.Go(func() error {
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})

	log.Info("Server started", zap.Int("port", cfg.Port), zap.Int("metrics_port", cfg.MetricsPort))

	err = g.Wait()
	a.Close()
	if err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Server stopped")
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s failed: %w", s.Addr, err)
	}
	return nil
}
