package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/lock"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "eml-intake.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initBlobs(ctx context.Context) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "fs":
		return blob.NewFilesystem(cfg.Blob.Dir)
	case "gcs":
		return blob.NewGCS(ctx, cfg.Blob.Bucket, cfg.Blob.Prefix, cfg.Blob.CredentialsFile)
	case "memory":
		zap.L().Warn("memory blob store configured, uploads are lost on exit")
		return blob.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported blob driver: %s", cfg.Blob.Driver)
	}
}

func retryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Base:        time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second,
		Max:         time.Duration(cfg.Queue.BackoffMaxSecs) * time.Second,
		Jitter:      queue.DefaultRetryPolicy().Jitter,
	}
}

// initQueue returns the job queue for the configured driver. The postgres
// queue shares the store's pool.
func initQueue(st store.Store) (queue.Queue, error) {
	switch cfg.QueueDriver() {
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("postgres queue requires the postgres store")
		}
		return queue.NewPostgres(ps.Pool(), retryPolicy()), nil
	case "memory":
		return queue.NewMemory(retryPolicy()), nil
	default:
		return nil, eris.Errorf("unsupported queue driver: %s", cfg.QueueDriver())
	}
}

// initLocker returns a redis locker when redis is configured, otherwise an
// in-process one that only guards a single node.
func initLocker(ctx context.Context) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		zap.L().Debug("redis not configured, using in-process lock")
		return lock.NewLocal(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrap(err, "redis: ping")
	}
	return lock.NewRedis(rdb), func() { _ = rdb.Close() }, nil
}
