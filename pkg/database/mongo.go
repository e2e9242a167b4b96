package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// OpenMongo connects to MongoDB and pings the primary, retrying with the
// same backoff as OpenPostgres.
func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(25).
		SetConnectTimeout(5 * time.Second)

	var client *mongo.Client
	err := defaultBackoff.retry(ctx, "mongo", func() error {
		c, err := mongo.Connect(opts)
		if err != nil {
			return err
		}
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(ctxPing, nil); err != nil {
			_ = c.Disconnect(context.Background())
			return fmt.Errorf("mongo ping failed: %w", err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
