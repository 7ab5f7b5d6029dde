package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/brightstart/internal/auth"
	"github.com/example/brightstart/internal/config"
	"github.com/example/brightstart/internal/grpchealth"
	"github.com/example/brightstart/internal/handlers"
	"github.com/example/brightstart/internal/imageprocessor"
	"github.com/example/brightstart/internal/inference"
	"github.com/example/brightstart/internal/logging"
	"github.com/example/brightstart/internal/repository"
	"github.com/example/brightstart/internal/storage"
	"github.com/example/brightstart/internal/usecase"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck())
	}

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		if client := initRedis(redisCtx, cfg.RedisAddr, logger); client != nil {
			cache = usecase.NewRedisCache(client)
			defer client.Close()
		}
		redisCancel()
	}

	backend := initArtifactBackend(cfg, logger)
	artifacts := storage.NewArtifacts(backend, logger)

	holder := inference.NewHolder(inference.Config{
		Path:            cfg.ModelPath,
		DownloadURL:     cfg.ModelDownloadURL,
		DownloadTimeout: cfg.ModelDownloadTimeout,
	}, inference.NewONNXLoader(cfg.OnnxRuntimeLibrary, cfg.ModelUseGPU, logger), logger)
	defer holder.Close() //nolint:errcheck

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go preloadModel(runCtx, holder, logger)

	uc := usecase.NewPredictionUseCase(repo, cache, holder, artifacts,
		imageprocessor.NewNormalizer(cfg.MaxUploadBytes()), logger,
		usecase.WithInferenceTimeout(cfg.InferenceTimeout))

	healthSrv := grpchealth.New(holder, 5*time.Second, logger)
	go healthSrv.Monitor(runCtx)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	go func() {
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
		if err := healthSrv.Serve(grpcListener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS(cfg.CORSOrigins))
	r.MaxMultipartMemory = cfg.MaxUploadBytes()

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience, logger)
	handlers.RegisterRoutes(r, uc, holder, authMiddleware, handlers.Options{
		Logger:           logger,
		UploadsPerMinute: cfg.UploadPerMin,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("brightstart API listening", zap.String("addr", cfg.HTTPAddr))
	err = serveHTTPServer(server, 15*time.Second, logger)
	stopRun()
	healthSrv.Stop()
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// preloadModel warms the classifier so the first upload does not pay for the
// download. Failures are retried lazily by the next request.
func preloadModel(ctx context.Context, holder *inference.Holder, logger *zap.Logger) {
	if _, err := holder.EnsureLoaded(ctx); err != nil {
		logger.Warn("model preload failed; will retry on first request", logging.ErrorFields(err)...)
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initRedis returns nil when Redis is unreachable; caching and idempotency
// are then disabled.
func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis unavailable, continuing without cache", zap.Error(err), zap.String("addr", addr))
		_ = client.Close()
		return nil
	}
	return client
}

func initArtifactBackend(cfg config.Config, zapLogger *zap.Logger) storage.Backend {
	switch cfg.ArtifactBackend {
	case "s3":
		sess, err := storage.NewS3Session(cfg.S3Region)
		if err != nil {
			zapLogger.Fatal("failed to initialize artifact storage", zap.Error(err))
		}
		zapLogger.Info("storing artifacts in S3", zap.String("bucket", cfg.S3Bucket), zap.String("prefix", cfg.S3Prefix))
		return storage.NewS3Backend(s3.New(sess), cfg.S3Bucket, cfg.S3Prefix)
	default:
		backend, err := storage.NewLocalBackend(cfg.UploadDir)
		if err != nil {
			zapLogger.Fatal("failed to initialize artifact storage", zap.Error(err))
		}
		zapLogger.Info("storing artifacts on disk", zap.String("dir", backend.Dir()))
		return backend
	}
}

func runHealthcheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := config.Default().GRPCAddr
	if cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml")); err == nil {
		addr = cfg.GRPCAddr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	status, err := grpchealth.Probe(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
