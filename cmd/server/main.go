// Command coderun-server compiles and runs submitted programs in Docker and
// streams them to clients over a websocket.
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

	"github.com/AlexandruC0909/coderun/internal/config"
	"github.com/AlexandruC0909/coderun/internal/docker"
	"github.com/AlexandruC0909/coderun/internal/handlers"
	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		warm       bool
	)

	cmd := &cobra.Command{
		Use:   "coderun-server",
		Short: "Run the code execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, warm)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to coderun.yaml")
	cmd.Flags().BoolVar(&warm, "warm", false, "create every language container at startup")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string, warm bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting coderun server",
		zap.String("address", cfg.Server.Addr()),
		zap.Duration("run_timeout", cfg.Docker.RunTimeoutDuration()))

	pool, err := docker.NewPool(docker.PoolConfig{
		Prefix:      cfg.Docker.ContainerPrefix,
		Images:      cfg.Docker.Images,
		MemoryLimit: cfg.Docker.MemoryLimit,
		WorkDir:     cfg.Docker.WorkDir,
	}, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if warm {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		err := pool.Warm(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to warm containers: %w", err)
		}
	}

	executor := docker.NewExecutor(pool, cfg.Docker.WorkDir, cfg.Limits.MaxOutputSize, log)
	limiter := utils.NewRateLimiter(cfg.Limits.RequestsPerMinute, cfg.Limits.RequestsBurst)
	handler := handlers.NewHandler(executor, limiter, handlers.Options{
		RunTimeout:  cfg.Docker.RunTimeoutDuration(),
		InputIdle:   cfg.Limits.InputIdleDuration(),
		MaxCodeSize: cfg.Limits.MaxCodeSize,
	}, log)

	// Rate limits follow edits to an explicit config file.
	if configPath != "" {
		err := config.Watch(configPath, func(next *config.Config) {
			limiter.SetRate(next.Limits.RequestsPerMinute, next.Limits.RequestsBurst)
			log.Info("rate limit reloaded",
				zap.Int("per_minute", next.Limits.RequestsPerMinute),
				zap.Int("burst", next.Limits.RequestsBurst))
		}, func(err error) {
			log.Warn("ignoring invalid config change", zap.Error(err))
		})
		if err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handlers.NewRouter(handler, pool, cfg.Server.TrustProxy, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-quit:
	}

	log.Info("shutting down coderun server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}
	log.Info("coderun server stopped")
	return nil
}
