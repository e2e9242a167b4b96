package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plotviz/engine/internal/blobstore"
	"github.com/plotviz/engine/internal/bootstrap"
	"github.com/plotviz/engine/pkg/config"
	"github.com/plotviz/engine/pkg/logger"
)

// env is what every command works against.
type env struct {
	cfg    *config.Config
	stores *bootstrap.Stores
	blobs  blobstore.Store
}

func (e *env) close() {
	_ = e.stores.Close(context.Background())
}

// openEnv is replaced in tests.
var openEnv = func(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := bootstrap.OpenBlobs(ctx, cfg)
	if err != nil {
		_ = stores.Close(ctx)
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &env{cfg: cfg, stores: stores, blobs: blobs}, nil
}

func initLogger(cmd *cobra.Command, _ []string) error {
	if rootFlags.quiet {
		logger.InitNop()
		return nil
	}
	_, err := logger.Init(rootFlags.logLevel, "console")
	return err
}
