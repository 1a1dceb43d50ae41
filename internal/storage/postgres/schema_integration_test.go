package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_BaselineUpDown(t *testing.T) {
	store := testStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	status := func() (int64, int) {
		t.Helper()
		version, applied, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		return version, applied
	}

	require.NoError(t, store.MigrateDown(ctx, 100))
	version, applied := status()
	assert.Zero(t, version)
	assert.Zero(t, applied)

	require.NoError(t, store.MigrateUp(ctx, 0))
	require.NoError(t, store.MigrateUp(ctx, 0), "second up is a no-op")
	version, applied = status()
	assert.EqualValues(t, 1, version)
	assert.Equal(t, 1, applied)

	// После up таблицы заказов доступны.
	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT count(*) FROM OrderTable`).Scan(&count))

	require.NoError(t, store.MigrateDown(ctx, 0))
	_, applied = status()
	assert.Zero(t, applied)
	require.NoError(t, store.MigrateDown(ctx, 1), "down on empty history")

	require.NoError(t, store.EnsureSchema(ctx))
}

func TestSchema_RequiresInitializedStore(t *testing.T) {
	ctx := context.Background()

	var store *Store
	assert.Error(t, store.MigrateUp(ctx, 0))
	assert.Error(t, store.MigrateDown(ctx, 1))
	_, _, err := store.MigrationStatus(ctx)
	assert.Error(t, err)

	assert.Error(t, (&Store{}).migrate(ctx, migrationDirection("sideways"), 0))
}
