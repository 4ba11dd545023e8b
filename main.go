package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facepay/internal/auth"
	"github.com/example/facepay/internal/config"
	"github.com/example/facepay/internal/handlers"
	"github.com/example/facepay/internal/ingest"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/repository"
	"github.com/example/facepay/internal/storage"
	"github.com/example/facepay/internal/usecase"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	if err := repository.AutoMigrate(ctx, db); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	users := repository.NewUserRepository(db, logger)
	frames := repository.NewFrameRepository(db, logger)

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	store, err := storage.NewMinioStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("object storage unavailable", zap.Error(err))
	}

	cache := usecase.NewRedisCache(redisClient, cfg.CacheNamespace)
	accounts := usecase.NewAccountUseCase(users, store, cfg.JWTSecret, cfg.JWTAudience, logger)
	streams := usecase.NewStreamUseCase(frames, store, cache, logger)
	ingestHandler := ingest.NewHandler(streams, logger, cfg.JWTSecret, cfg.JWTAudience)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, logger, accounts, streams, ingestHandler.Serve),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("facepay API listening", zap.String("addr", cfg.Addr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg config.Server, logger *zap.Logger, accounts handlers.AccountService, streams handlers.StreamService, streamIngest gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, accounts, streams, streamIngest, authMiddleware)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := repository.Open(dsn)
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

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
