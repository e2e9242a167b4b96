package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/plotviz/engine/internal/repository"
	"github.com/plotviz/engine/internal/repository/repotest"
	"github.com/plotviz/engine/pkg/database"
	"github.com/plotviz/engine/pkg/logger"
)

func TestPostgresRepositories(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	logger.InitNop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("plotviz"),
		tcpostgres.WithUsername("plotviz"),
		tcpostgres.WithPassword("plotviz"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.OpenPostgres(ctx, dsn, false)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	repotest.RunContract(t, repository.NewArtifactRepository(db), repository.NewMemberRepository(db))
}
