package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/image-analyst/internal/application"
	appanalysis "github.com/bryanwahyu/image-analyst/internal/application/analysis"
	"github.com/bryanwahyu/image-analyst/internal/config"
	"github.com/bryanwahyu/image-analyst/internal/infra/ai"
	"github.com/bryanwahyu/image-analyst/internal/infra/httpserver"
	memsession "github.com/bryanwahyu/image-analyst/internal/infra/session"
	minioStore "github.com/bryanwahyu/image-analyst/internal/infra/storage"
	"github.com/bryanwahyu/image-analyst/internal/logger"
	"github.com/bryanwahyu/image-analyst/internal/middleware"
)

func main() {
	// .env first, so the credential can come from it
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("dotenv: %v", err)
	}

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, cfgErr := config.Load(path)
	if cfgErr != nil {
		cfg = config.Default()
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handler http.Handler
	if cfgErr != nil {
		zl.Errorw("config load error", "path", path, "error", cfgErr)
		handler = httpserver.NewFatalRouter(cfgErr, zl)
	} else if h, err := build(ctx, cfg, zl); err != nil {
		zl.Errorw("startup failed", "error", err)
		handler = httpserver.NewFatalRouter(err, zl)
	} else {
		handler = h
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// run server
	errCh := make(chan error, 1)
	go func() {
		zl.Infow("server listening", "addr", addr, "provider", cfg.Model.Provider, "model", cfg.Model.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		zl.Errorw("server error", "error", err)
		_ = zl.Sync()
		os.Exit(1)
	case <-ctx.Done():
	}

	// graceful shutdown
	zl.Info("shutting down server...")
	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		zl.Errorw("shutdown error", "error", err)
	}
}

// build wires the application. Any error here is shown to users by the fatal
// router instead of the page.
func build(ctx context.Context, cfg *config.Config, zl *zap.SugaredLogger) (http.Handler, error) {
	cred, err := config.ResolveCredential(cfg.Model.Provider)
	if err != nil {
		return nil, err
	}

	factory, err := ai.NewFactory(cfg, cred)
	if err != nil {
		return nil, err
	}

	clock := application.SystemClock{}
	loader := appanalysis.NewLoader(factory, cfg.Model.Name, zl.Named("model"))
	svc := appanalysis.NewService(zl.Named("analysis"), clock)

	sessions := memsession.NewMemoryStore(cfg.Session.TTL, clock)
	go sessions.Run(ctx, time.Minute)

	checkers := map[string]middleware.HealthChecker{"model": loader}

	opts := httpserver.Options{
		Analysis:       svc,
		Models:         loader,
		Sessions:       sessions,
		Limiter:        middleware.NewRateLimiter(ctx, cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillRate),
		Checkers:       checkers,
		APIKeys:        cfg.Server.APIKeys,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Clock:          clock,
		Log:            zl,
	}

	// init minio, optional
	if cfg.StorageEnabled() {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
			cfg.Server.MaxUploadBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("minio init: %w", err)
		}
		opts.Images = store
		checkers["storage"] = store
	}

	return httpserver.NewRouter(opts), nil
}
