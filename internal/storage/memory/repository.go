package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// repositoryInMemory: in-memory реализация domain.Repository.
// Каждая операция берёт блокировку отдельно, поэтому CreateOrder, как и
// SQL-реализации, выполняет проверку и запись в разных критических секциях.
type repositoryInMemory struct {
	mu sync.RWMutex

	users    map[int64]domain.User
	products map[int64]domain.Product
	orders   map[int64]domain.Order

	// Порядок вставки имитирует "естественный" порядок таблицы.
	productSeq []int64
	orderSeq   []int64

	nextProductID int64
	nextOrderID   int64
}

// NewRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewRepository() domain.Repository {
	return &repositoryInMemory{
		users:         make(map[int64]domain.User),
		products:      make(map[int64]domain.Product),
		orders:        make(map[int64]domain.Order),
		nextProductID: 1,
		nextOrderID:   1,
	}
}

func (r *repositoryInMemory) CreateOrder(ctx context.Context, user domain.User, products []domain.Product) ([]domain.Order, error) {
	if _, err := r.EnsureUser(ctx, user); err != nil {
		return nil, err
	}
	return r.PlaceOrderLines(ctx, user.ID, products)
}

func (r *repositoryInMemory) EnsureUser(ctx context.Context, user domain.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.NewStoreError("check user exists", err)
	}

	r.mu.RLock()
	_, exists := r.users[user.ID]
	r.mu.RUnlock()
	if exists {
		return false, nil
	}

	if err := r.CreateUser(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

func (r *repositoryInMemory) PlaceOrderLines(ctx context.Context, userID int64, products []domain.Product) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	created := make([]domain.Order, 0, len(products))
	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return created, domain.NewStoreError("insert order line", err)
		}
		if _, ok := r.products[product.ID]; !ok {
			return created, fmt.Errorf("product %d: %w", product.ID, domain.ErrProductNotFound)
		}
		created = append(created, r.insertOrderLocked(userID, product.ID))
	}
	return created, nil
}

func (r *repositoryInMemory) CancelOrder(ctx context.Context, userID, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError("cancel order", err)
	}

	r.mu.RLock()
	_, userExists := r.users[userID]
	order, orderExists := r.orders[orderID]
	r.mu.RUnlock()

	if !userExists {
		return domain.ErrUserNotFound
	}
	if !orderExists || order.UserID != userID {
		return domain.ErrOrderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Строку могла удалить параллельная отмена между проверкой и этой
	// блокировкой; такой исход не считается ошибкой. CancelOrderAtomic его различает.
	_ = r.deleteOrderLocked(orderID, userID)
	return nil
}

func (r *repositoryInMemory) CreateProduct(ctx context.Context, actor domain.User, product domain.Product) (domain.Product, error) {
	admin, err := r.IsAdmin(ctx, actor.ID)
	if err != nil {
		return domain.Product{}, err
	}
	if !admin {
		return domain.Product{}, domain.ErrAdminNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	product.ID = r.nextProductID
	r.nextProductID++
	r.products[product.ID] = product
	r.productSeq = append(r.productSeq, product.ID)
	return product, nil
}

func (r *repositoryInMemory) CreateUser(ctx context.Context, user domain.User) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError("insert user", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return domain.NewStoreError("insert user", fmt.Errorf("%w: user %d", domain.ErrDuplicateKey, user.ID))
	}
	r.users[user.ID] = user
	return nil
}

func (r *repositoryInMemory) GetAllProducts(ctx context.Context) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError("select products", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Product, 0, len(r.productSeq))
	for _, id := range r.productSeq {
		result = append(result, r.products[id])
	}
	return result, nil
}

func (r *repositoryInMemory) GetOrderByUser(ctx context.Context, user domain.User) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError("select orders by user", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.users[user.ID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	result := make([]domain.Product, 0)
	for _, id := range r.orderSeq {
		order := r.orders[id]
		if order.UserID != user.ID {
			continue
		}
		// Как и JOIN, строка без товара просто не попадает в выборку.
		if product, ok := r.products[order.ProductID]; ok {
			result = append(result, product)
		}
	}
	return result, nil
}

func (r *repositoryInMemory) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	role, err := r.UserRole(ctx, userID)
	if err != nil {
		if domain.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return role == domain.RoleAdmin, nil
}

func (r *repositoryInMemory) UserRole(ctx context.Context, userID int64) (domain.Role, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewStoreError("select user role", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userID]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	return user.Role, nil
}

func (r *repositoryInMemory) CreateOrderAtomic(ctx context.Context, user domain.User, products []domain.Product) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError("create order atomic", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, product := range products {
		if _, ok := r.products[product.ID]; !ok {
			return nil, fmt.Errorf("product %d: %w", product.ID, domain.ErrProductNotFound)
		}
	}

	if _, exists := r.users[user.ID]; !exists {
		r.users[user.ID] = user
	}

	created := make([]domain.Order, 0, len(products))
	for _, product := range products {
		created = append(created, r.insertOrderLocked(user.ID, product.ID))
	}
	return created, nil
}

func (r *repositoryInMemory) CancelOrderAtomic(ctx context.Context, userID, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError("cancel order atomic", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteOrderLocked(orderID, userID) {
		return nil
	}
	if _, ok := r.users[userID]; !ok {
		return domain.ErrUserNotFound
	}
	return domain.ErrOrderNotFound
}

func (r *repositoryInMemory) insertOrderLocked(userID, productID int64) domain.Order {
	order := domain.Order{ID: r.nextOrderID, UserID: userID, ProductID: productID}
	r.nextOrderID++
	r.orders[order.ID] = order
	r.orderSeq = append(r.orderSeq, order.ID)
	return order
}

// deleteOrderLocked удаляет строку, только если совпадают оба идентификатора.
func (r *repositoryInMemory) deleteOrderLocked(orderID, userID int64) bool {
	order, ok := r.orders[orderID]
	if !ok || order.UserID != userID {
		return false
	}
	delete(r.orders, orderID)
	for i, id := range r.orderSeq {
		if id == orderID {
			r.orderSeq = append(r.orderSeq[:i], r.orderSeq[i+1:]...)
			break
		}
	}
	return true
}

var _ domain.Repository = (*repositoryInMemory)(nil)
