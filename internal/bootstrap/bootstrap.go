// Package bootstrap builds the stores, blob staging and ingest settings
// shared by the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/blobstore"
	"github.com/plotviz/engine/internal/repository"
	"github.com/plotviz/engine/internal/repository/mongostore"
	"github.com/plotviz/engine/internal/services"
	"github.com/plotviz/engine/pkg/config"
	"github.com/plotviz/engine/pkg/database"
	"github.com/plotviz/engine/pkg/logger"
)

// Stores holds the repositories of the configured driver.
type Stores struct {
	Artifacts repository.ArtifactRepository
	Members   repository.MemberRepository
	// Ping reports whether the backing database answers.
	Ping    func(ctx context.Context) error
	migrate func(ctx context.Context) error
	close   func(ctx context.Context) error
}

// NewStores wraps repositories that need no connection management, such as
// the in-memory store used by tests.
func NewStores(artifacts repository.ArtifactRepository, members repository.MemberRepository) *Stores {
	noop := func(context.Context) error { return nil }
	return &Stores{Artifacts: artifacts, Members: members, Ping: noop, migrate: noop, close: noop}
}

// OpenStores connects to the database selected by STORE_DRIVER.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.IsDevelopment())
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		logger.L().Info("postgres store connected")
		return &Stores{
			Artifacts: repository.NewArtifactRepository(db),
			Members:   repository.NewMemberRepository(db),
			Ping:      sqlDB.PingContext,
			migrate:   func(context.Context) error { return repository.Migrate(db) },
			close:     func(context.Context) error { return sqlDB.Close() },
		}, nil
	case "mongo":
		client, err := database.OpenMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		logger.L().Info("mongo store connected", zap.String("database", cfg.MongoDatabase))
		return &Stores{
			Artifacts: mongostore.NewArtifactRepository(db),
			Members:   mongostore.NewMemberRepository(db),
			Ping:      func(ctx context.Context) error { return client.Ping(ctx, nil) },
			migrate:   func(ctx context.Context) error { return mongostore.EnsureIndexes(ctx, db) },
			close:     client.Disconnect,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Migrate creates the tables or indexes the store needs. It is idempotent.
func (s *Stores) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *Stores) Close(ctx context.Context) error {
	return s.close(ctx)
}

// OpenBlobs returns the staging area for bundle archives selected by
// BLOB_DRIVER.
func OpenBlobs(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobDriver {
	case "fs":
		return blobstore.NewFS(cfg.BlobDir)
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
}

func IngestOptions(cfg *config.Config) services.IngestOptions {
	return services.IngestOptions{
		Workers:       cfg.IngestWorkers,
		BundleTimeout: cfg.IngestBundleTimeout,
		Policy:        services.StatusPolicy(cfg.IngestStatusPolicy),
		MaxPoints:     cfg.IngestMaxPoints,
	}
}

func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}
}

// PingRedis checks the queue backend the way the worker does at startup.
func PingRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}
