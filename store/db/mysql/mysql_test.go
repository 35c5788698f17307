package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/store/storetest"
)

func TestMergeDSN(t *testing.T) {
	dsn, err := mergeDSN("root:pw@tcp(localhost:3306)/parley")
	require.NoError(t, err)
	require.Contains(t, dsn, "/parley")

	_, err = mergeDSN("::not a dsn")
	require.Error(t, err)
}

func TestDriverAgainstContainer(t *testing.T) {
	if testing.Short() || os.Getenv("PARLEY_TEST_CONTAINERS") == "" {
		t.Skip("set PARLEY_TEST_CONTAINERS=1 to run container tests")
	}
	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("parley"),
		tcmysql.WithUsername("parley"),
		tcmysql.WithPassword("parley"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	driver, err := NewDB(&profile.Profile{Driver: "mysql", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })

	storetest.RunDriverTests(t, driver)
}
