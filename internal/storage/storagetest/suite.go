// Package storagetest содержит общий набор поведенческих тестов для
// реализаций domain.Repository. Каждый backend вызывает RunRepositorySuite
// из своего _test.go.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// Factory возвращает пустой репозиторий для одного подтеста.
type Factory func(t *testing.T) domain.Repository

// RunRepositorySuite прогоняет все свойства контракта репозитория.
func RunRepositorySuite(t *testing.T, newRepo Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, repo domain.Repository)
	}{
		{"CreateOrderAutoCreatesUser", testCreateOrderAutoCreatesUser},
		{"CreateOrderExistingUserKeepsFields", testCreateOrderExistingUserKeepsFields},
		{"CreateOrderPartialFailureKeepsRows", testCreateOrderPartialFailureKeepsRows},
		{"PlaceOrderLinesUnknownUser", testPlaceOrderLinesUnknownUser},
		{"CancelOrderDeletesOnlyOwnedRow", testCancelOrderDeletesOnlyOwnedRow},
		{"CancelOrderForeignOrder", testCancelOrderForeignOrder},
		{"CancelOrderUnknownUser", testCancelOrderUnknownUser},
		{"CreateProductAdminGate", testCreateProductAdminGate},
		{"CreateProductRoundTrip", testCreateProductRoundTrip},
		{"CreateProductKeepsPriceScale", testCreateProductKeepsPriceScale},
		{"CreateUserDuplicate", testCreateUserDuplicate},
		{"GetAllProductsEmpty", testGetAllProductsEmpty},
		{"GetOrderByUser", testGetOrderByUser},
		{"IsAdminAndUserRole", testIsAdminAndUserRole},
		{"CreateOrderAtomicRollsBack", testCreateOrderAtomicRollsBack},
		{"CancelOrderAtomic", testCancelOrderAtomic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newRepo(t))
		})
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Admin: администратор, которого создают тесты.
var Admin = domain.User{ID: 1, Username: "admin", Password: "admin-pass", Role: domain.RoleAdmin}

// Customer: обычный пользователь.
var Customer = domain.User{ID: 2, Username: "alice", Password: "alice-pass", Role: domain.RoleUser}

// SampleProducts возвращает товары без идентификаторов.
func SampleProducts() []domain.Product {
	return []domain.Product{
		{Name: "Laptop", Description: "14 inch ultrabook", Price: decimal.RequireFromString("1299.99"), QuantityInStock: 5, Type: "Electronics"},
		{Name: "T-Shirt", Description: "Cotton, size M", Price: decimal.RequireFromString("19.50"), QuantityInStock: 40, Type: "Clothing"},
		{Name: "Coffee", Description: "1kg beans", Price: decimal.RequireFromString("24.00"), QuantityInStock: 12, Type: "Grocery"},
	}
}

func seedCatalog(t *testing.T, repo domain.Repository) []domain.Product {
	t.Helper()
	ctx := testContext(t)

	require.NoError(t, repo.CreateUser(ctx, Admin))

	created := make([]domain.Product, 0, 3)
	for _, p := range SampleProducts() {
		stored, err := repo.CreateProduct(ctx, Admin, p)
		require.NoError(t, err)
		require.NotZero(t, stored.ID)
		created = append(created, stored)
	}
	return created
}

func productIDs(products []domain.Product) []int64 {
	ids := make([]int64, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	return ids
}

func testCreateOrderAutoCreatesUser(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	_, err := repo.UserRole(ctx, Customer.ID)
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	basket := []domain.Product{catalog[0], catalog[1], catalog[0]}
	orders, err := repo.CreateOrder(ctx, Customer, basket)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	for i, o := range orders {
		assert.NotZero(t, o.ID)
		assert.Equal(t, Customer.ID, o.UserID)
		assert.Equal(t, basket[i].ID, o.ProductID)
	}

	role, err := repo.UserRole(ctx, Customer.ID)
	require.NoError(t, err)
	assert.Equal(t, Customer.Role, role)

	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	assert.ElementsMatch(t, productIDs(basket), productIDs(got))
}

func testCreateOrderExistingUserKeepsFields(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	// Для существующего пользователя поля из аргумента игнорируются.
	impostor := Admin
	impostor.Role = domain.RoleUser
	impostor.Username = "someone-else"

	created, err := repo.EnsureUser(ctx, impostor)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = repo.CreateOrder(ctx, impostor, catalog[:1])
	require.NoError(t, err)

	admin, err := repo.IsAdmin(ctx, Admin.ID)
	require.NoError(t, err)
	assert.True(t, admin)
}

func testCreateOrderPartialFailureKeepsRows(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	missing := domain.Product{ID: 9999, Name: "ghost"}
	orders, err := repo.CreateOrder(ctx, Customer, []domain.Product{catalog[0], missing, catalog[1]})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.Len(t, orders, 1)
	assert.Equal(t, catalog[0].ID, orders[0].ProductID)

	// Пользователь и первая строка остаются: отката нет.
	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalog[0].ID}, productIDs(got))
}

func testPlaceOrderLinesUnknownUser(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	_, err := repo.PlaceOrderLines(ctx, 404, catalog[:1])
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testCancelOrderDeletesOnlyOwnedRow(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	orders, err := repo.CreateOrder(ctx, Customer, []domain.Product{catalog[0], catalog[1]})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	require.NoError(t, repo.CancelOrder(ctx, Customer.ID, orders[0].ID))

	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalog[1].ID}, productIDs(got))

	err = repo.CancelOrder(ctx, Customer.ID, orders[0].ID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func testCancelOrderForeignOrder(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	bob := domain.User{ID: 3, Username: "bob", Password: "bob-pass", Role: domain.RoleUser}
	require.NoError(t, repo.CreateUser(ctx, Customer))

	bobOrders, err := repo.CreateOrder(ctx, bob, catalog[:1])
	require.NoError(t, err)
	require.Len(t, bobOrders, 1)

	err = repo.CancelOrder(ctx, Customer.ID, bobOrders[0].ID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	got, err := repo.GetOrderByUser(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalog[0].ID}, productIDs(got))
}

func testCancelOrderUnknownUser(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	orders, err := repo.CreateOrder(ctx, Customer, catalog[:1])
	require.NoError(t, err)

	err = repo.CancelOrder(ctx, 404, orders[0].ID)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.NotErrorIs(t, err, domain.ErrOrderNotFound)
}

func testCreateProductAdminGate(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	require.NoError(t, repo.CreateUser(ctx, Customer))

	product := SampleProducts()[0]

	_, err := repo.CreateProduct(ctx, domain.User{ID: 404, Role: domain.RoleAdmin}, product)
	require.ErrorIs(t, err, domain.ErrAdminNotFound)

	// Роль из аргумента не учитывается, важна только запись в хранилище.
	claimsAdmin := Customer
	claimsAdmin.Role = domain.RoleAdmin
	_, err = repo.CreateProduct(ctx, claimsAdmin, product)
	require.ErrorIs(t, err, domain.ErrAdminNotFound)
	assert.True(t, domain.IsAuthorization(err))

	all, err := repo.GetAllProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testCreateProductRoundTrip(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	require.NoError(t, repo.CreateUser(ctx, Admin))

	want := SampleProducts()[1]
	stored, err := repo.CreateProduct(ctx, Admin, want)
	require.NoError(t, err)
	require.NotZero(t, stored.ID)

	all, err := repo.GetAllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, stored.ID, all[0].ID)
	assert.True(t, want.SameAttributes(all[0]), "stored product differs: %+v", all[0])
}

// Цена хранится без округления: дробные доли цента и длинная целая часть.
func testCreateProductKeepsPriceScale(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	require.NoError(t, repo.CreateUser(ctx, Admin))

	prices := []string{"1.005", "12345678901.999", "0.0001"}
	want := make(map[int64]decimal.Decimal, len(prices))
	for _, raw := range prices {
		product := SampleProducts()[0]
		product.Name = "priced-" + raw
		product.Price = decimal.RequireFromString(raw)

		stored, err := repo.CreateProduct(ctx, Admin, product)
		require.NoError(t, err, raw)
		assert.True(t, product.Price.Equal(stored.Price), "returned price %s, want %s", stored.Price, raw)
		want[stored.ID] = product.Price
	}

	all, err := repo.GetAllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(prices))
	for _, p := range all {
		price, ok := want[p.ID]
		require.True(t, ok, "unexpected product %d", p.ID)
		assert.True(t, price.Equal(p.Price), "stored price %s, want %s", p.Price, price)
	}
}

func testCreateUserDuplicate(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)

	require.NoError(t, repo.CreateUser(ctx, Customer))

	err := repo.CreateUser(ctx, Customer)
	require.Error(t, err)
	assert.True(t, domain.IsDuplicateKey(err), "expected duplicate key, got %v", err)
	assert.True(t, domain.IsStoreFailure(err))
}

func testGetAllProductsEmpty(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)

	all, err := repo.GetAllProducts(ctx)
	require.NoError(t, err)
	require.NotNil(t, all)
	assert.Empty(t, all)
}

func testGetOrderByUser(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	seedCatalog(t, repo)

	_, err := repo.GetOrderByUser(ctx, Customer)
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, repo.CreateUser(ctx, Customer))
	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func testIsAdminAndUserRole(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	require.NoError(t, repo.CreateUser(ctx, Admin))
	require.NoError(t, repo.CreateUser(ctx, Customer))
	require.NoError(t, repo.CreateUser(ctx, domain.User{ID: 5, Username: "lower", Password: "x", Role: "admin"}))

	tests := []struct {
		userID int64
		want   bool
	}{
		{userID: Admin.ID, want: true},
		{userID: Customer.ID, want: false},
		{userID: 5, want: false},
		{userID: 404, want: false},
	}
	for _, tt := range tests {
		got, err := repo.IsAdmin(ctx, tt.userID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "user %d", tt.userID)
	}

	role, err := repo.UserRole(ctx, Customer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, role)

	_, err = repo.UserRole(ctx, 404)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testCreateOrderAtomicRollsBack(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	missing := domain.Product{ID: 9999}
	orders, err := repo.CreateOrderAtomic(ctx, Customer, []domain.Product{catalog[0], missing})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	assert.Empty(t, orders)

	_, err = repo.UserRole(ctx, Customer.ID)
	require.ErrorIs(t, err, domain.ErrUserNotFound, "user must not survive a failed atomic order")

	orders, err = repo.CreateOrderAtomic(ctx, Customer, catalog)
	require.NoError(t, err)
	require.Len(t, orders, len(catalog))

	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	assert.ElementsMatch(t, productIDs(catalog), productIDs(got))
}

func testCancelOrderAtomic(t *testing.T, repo domain.Repository) {
	ctx := testContext(t)
	catalog := seedCatalog(t, repo)

	orders, err := repo.CreateOrder(ctx, Customer, catalog[:2])
	require.NoError(t, err)

	require.ErrorIs(t, repo.CancelOrderAtomic(ctx, 404, orders[0].ID), domain.ErrUserNotFound)
	require.ErrorIs(t, repo.CancelOrderAtomic(ctx, Admin.ID, orders[0].ID), domain.ErrOrderNotFound)
	require.NoError(t, repo.CancelOrderAtomic(ctx, Customer.ID, orders[0].ID))
	require.ErrorIs(t, repo.CancelOrderAtomic(ctx, Customer.ID, orders[0].ID), domain.ErrOrderNotFound)

	got, err := repo.GetOrderByUser(ctx, Customer)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalog[1].ID}, productIDs(got))
}
