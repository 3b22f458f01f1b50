package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/smallwat3r/codedrop/internal/app"
	"github.com/smallwat3r/codedrop/internal/blob"
	"github.com/smallwat3r/codedrop/internal/config"
	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/logger"
	"github.com/smallwat3r/codedrop/internal/notify"
	"github.com/smallwat3r/codedrop/internal/service"
)

// S3 presigned URLs cannot outlive a week
const maxPresignExpiry = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	flush := logger.Init(cfg.IsDev(), cfg.SentryDSN)
	defer flush()

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		flush()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	var repo domain.TransferRepository
	switch cfg.Store {
	case "memory":
		slog.Warn("using in-memory store, transfers are lost on restart")
		repo = domain.NewMemoryRepository(cfg.ExpiredRetention)
	default:
		var err error
		rdb, err = connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		repo = domain.NewRedisRepository(rdb, cfg.ExpiredRetention)
	}

	blobs, uploads, err := newBlobStorage(ctx, cfg)
	if err != nil {
		return err
	}

	svc := service.New(repo, blobs, newNotifier(cfg),
		service.WithTTL(cfg.TransferTTL),
		service.WithRetention(cfg.ExpiredRetention),
		service.WithPolicy(service.ReadPolicy(cfg.ReadPolicy)),
		service.WithNotifyTimeout(cfg.NotifyTimeout),
	)

	sweeperDone := startSweeper(ctx, svc, cfg.SweepInterval)
	// the store must outlive a sweep in progress
	defer func() {
		stop()
		<-sweeperDone
	}()

	opts := app.RouterOptions{
		CORSOrigins:  cfg.CORSOrigins,
		RequireHTTPS: cfg.RequireHTTPS,
	}
	if rdb != nil {
		opts.RateLimiter = app.NewRateLimiter(rdb, app.DefaultRateLimitConfig())
	}
	router := app.NewRouter(app.NewHandler(svc, uploads), opts)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening",
			"addr", srv.Addr,
			"env", cfg.Env,
			"store", cfg.Store,
			"blob_store", cfg.BlobStore,
			"ttl", cfg.TransferTTL,
			"read_policy", cfg.ReadPolicy,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Warn("read receipts still in flight at shutdown", "error", err)
	}
	return nil
}

// startSweeper runs the expiry sweeper until ctx is done. The returned
// channel is closed once it has stopped; a zero interval never starts it.
func startSweeper(ctx context.Context, svc *service.TransferService, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		svc.RunSweeper(ctx, interval)
	}()
	return done
}

// connectRedis retries the initial ping with exponential backoff so the
// server can start before Redis is ready.
func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opt.PoolSize = cfg.RedisPoolSize
	opt.MinIdleConns = cfg.RedisMinIdle
	opt.DialTimeout = cfg.RedisDialTimeout
	opt.ReadTimeout = cfg.RedisReadTimeout
	opt.WriteTimeout = cfg.RedisWriteTimeout
	opt.PoolTimeout = cfg.RedisPoolTimeout

	rdb := redis.NewClient(opt)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.RedisConnectTimeout
	ping := func() error { return rdb.Ping(ctx).Err() }
	onRetry := func(err error, next time.Duration) {
		slog.Warn("redis not ready, retrying", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), onRetry); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("connected to redis", "addr", opt.Addr, "db", opt.DB)
	return rdb, nil
}

// newBlobStorage returns the configured image store and, for stores this
// process serves itself, the handler for /uploads/.
func newBlobStorage(ctx context.Context, cfg config.Config) (blob.Storage, http.Handler, error) {
	switch cfg.BlobStore {
	case "s3":
		s3, err := blob.NewS3Storage(ctx, blob.S3Config{
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Endpoint:      cfg.S3Endpoint,
			PresignExpiry: min(cfg.TransferTTL+cfg.ExpiredRetention, maxPresignExpiry),
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	case "memory":
		mem := blob.NewMemoryStorage(cfg.PublicURL)
		return mem, mem.Handler(), nil
	default:
		disk, err := blob.NewDiskStorage(cfg.UploadDir, cfg.PublicURL)
		if err != nil {
			return nil, nil, err
		}
		return disk, disk.Handler(), nil
	}
}

func newNotifier(cfg config.Config) notify.Notifier {
	if cfg.IsDev() || cfg.ResendAPIKey == "" {
		slog.Info("read receipts are logged, not emailed")
		return notify.LogNotifier{}
	}
	n, err := notify.NewResendNotifier(cfg.ResendAPIKey, cfg.EmailFrom, "codedrop")
	if err != nil {
		slog.Error("failed to set up email, falling back to log", "error", err)
		return notify.LogNotifier{}
	}
	return n
}
