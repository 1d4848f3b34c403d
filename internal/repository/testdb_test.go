//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/pagedex-io/pagedex/internal/testutil"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
)

// testDB returns a pool backed by a postgres container shared across the
// package's tests, truncated so every test starts from an empty schema.
// The container is reaped by testcontainers when the test process exits.
func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	testDBOnce.Do(func() {
		pc := testutil.NewPostgresContainer(ctx, t)
		testDBPool = testutil.NewTestPool(ctx, t, pc, "../../migrations")
	})
	require.NoError(t, testutil.TruncateAll(ctx, testDBPool))
	return testDBPool
}
