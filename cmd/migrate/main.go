package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/bootstrap"
	"github.com/plotviz/engine/pkg/config"
	"github.com/plotviz/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal("failed to connect to store", zap.Error(err))
	}
	defer stores.Close(ctx)

	if err := stores.Migrate(ctx); err != nil {
		log.Fatal("migration failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
