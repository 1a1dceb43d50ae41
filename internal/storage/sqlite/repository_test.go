package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestRepository_SQLiteContract(t *testing.T) {
	storagetest.RunRepositorySuite(t, func(t *testing.T) domain.Repository {
		return NewRepository(openTestStore(t))
	})
}

func TestRepository_SQLiteFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oms.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	repo := NewRepository(store)

	require.NoError(t, repo.CreateUser(ctx, storagetest.Admin))
	product, err := repo.CreateProduct(ctx, storagetest.Admin, storagetest.SampleProducts()[0])
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	all, err := NewRepository(reopened).GetAllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, product.ID, all[0].ID)
	assert.True(t, all[0].SameAttributes(product))
}

func TestRepository_SQLiteCanceledContext(t *testing.T) {
	repo := NewRepository(openTestStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetAllProducts(ctx)
	assert.True(t, domain.IsStoreFailure(err), "got %v", err)
}

func TestStore_SQLitePingAndNilGuards(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	var nilStore *Store
	assert.Error(t, nilStore.Ping(context.Background()))
	assert.NoError(t, nilStore.Close())
}

func TestAsStoreError(t *testing.T) {
	assert.NoError(t, asStoreError("op", nil))
	assert.ErrorIs(t, asStoreError("op", domain.ErrOrderNotFound), domain.ErrOrderNotFound)
	assert.True(t, domain.IsStoreFailure(asStoreError("op", context.DeadlineExceeded)))
}
