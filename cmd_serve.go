package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/irisdx/internal/auth"
	"github.com/example/irisdx/internal/config"
	"github.com/example/irisdx/internal/grpcserver"
	"github.com/example/irisdx/internal/handlers"
	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/inference"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/registry"
	"github.com/example/irisdx/internal/repository"
	"github.com/example/irisdx/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve diagnoses over HTTP with a gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a.cfg, a.logger, a.verbose)
		}),
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, verbose bool) error {
	sc := cfg.Serve

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(startCtx, sc.DatabaseDSN, verbose)
	if err != nil {
		return logging.NewOperationError("serve.database", "", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := repository.NewDiagnosisRepository(db, logger)
	if err := repo.AutoMigrate(startCtx); err != nil {
		return err
	}

	cache, err := usecase.NewRedisCache(startCtx, sc.RedisAddr)
	if err != nil {
		return logging.NewOperationError("serve.redis", sc.RedisAddr, err)
	}
	defer cache.Close()

	verifier, err := auth.NewVerifier(sc.JWTSecret, sc.JWTAudience)
	if err != nil {
		return logging.NewOperationError("serve.auth", "", err)
	}

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return fmt.Errorf("create models directory: %w", err)
	}
	health := grpcserver.New(logger)
	predictor := inference.New(cfg.ModelsDir, imaging.NewPipeline(logger, imaging.DefaultParams()), inferenceLoader(cfg.Train.BackboneDir, logger), logger)
	predictor.OnReload(func(string) { health.SetServing(true) })
	if err := predictor.Reload(); err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			return logging.NewOperationError("serve.model", cfg.ModelsDir, err)
		}
		logger.Warn("no model yet, uploads answer 503 until one is published", zap.String("models_dir", cfg.ModelsDir))
	}

	uc := usecase.NewDiagnosisUseCase(repo, cache, predictor, sc.UploadsDir, logger)

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, predictor, auth.JWTMiddleware(verifier))

	httpLis, err := net.Listen("tcp", sc.HTTPAddr)
	if err != nil {
		return logging.NewOperationError("serve.listen_http", sc.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", sc.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return logging.NewOperationError("serve.listen_grpc", sc.GRPCAddr, err)
	}

	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("diagnosis API listening",
		zap.String("http_addr", httpLis.Addr().String()),
		zap.String("grpc_addr", grpcLis.Addr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, server, httpLis, shutdownTimeout, logger) })
	g.Go(func() error { return health.Serve(gctx, grpcLis) })
	g.Go(func() error { return predictor.Watch(gctx) })
	return g.Wait()
}

func initDatabase(ctx context.Context, dsn string, verbose bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if verbose {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// serveHTTP runs server on listener until ctx is done, then shuts it down
// and waits for in-flight requests up to shutdownTimeout.
func serveHTTP(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down http server", zap.String("addr", listener.Addr().String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
