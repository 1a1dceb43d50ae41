package domain

import "context"

// OrderManagementRepository: контракт слоя доступа к данным.
//
// Проверки существования выполняются отдельным запросом до мутации,
// поэтому между проверкой и записью остаётся окно гонки. Если оно
// недопустимо, используйте AtomicOrderRepository.
type OrderManagementRepository interface {
	// CreateOrder вызывает EnsureUser, затем PlaceOrderLines. Откат пачки не
	// выполняется: при ошибке возвращаются уже созданные строки, а
	// автоматически созданный пользователь остаётся.
	CreateOrder(ctx context.Context, user User, products []Product) ([]Order, error)
	// EnsureUser создаёт пользователя, если его ещё нет.
	EnsureUser(ctx context.Context, user User) (created bool, err error)
	// PlaceOrderLines вставляет по одной строке заказа на каждый товар.
	PlaceOrderLines(ctx context.Context, userID int64, products []Product) ([]Order, error)
	// CancelOrder удаляет строку заказа, принадлежащую пользователю.
	CancelOrder(ctx context.Context, userID, orderID int64) error
	// CreateProduct доступен только администратору.
	CreateProduct(ctx context.Context, actor User, product Product) (Product, error)
	// CreateUser вставляет пользователя без предварительной проверки.
	CreateUser(ctx context.Context, user User) error
	GetAllProducts(ctx context.Context) ([]Product, error)
	// GetOrderByUser возвращает товары из строк заказа пользователя.
	GetOrderByUser(ctx context.Context, user User) ([]Product, error)
	// IsAdmin возвращает false и для неизвестного пользователя, и для не-админа.
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	// UserRole различает два случая false из IsAdmin.
	UserRole(ctx context.Context, userID int64) (Role, error)
}

// AtomicOrderRepository закрывает окна check-then-act транзакцией.
type AtomicOrderRepository interface {
	// CreateOrderAtomic создаёт пользователя и все строки заказа в одной
	// транзакции: при ошибке не остаётся ни одной строки.
	CreateOrderAtomic(ctx context.Context, user User, products []Product) ([]Order, error)
	// CancelOrderAtomic удаляет строку одним условным DELETE.
	CancelOrderAtomic(ctx context.Context, userID, orderID int64) error
}

// Repository объединяет оба контракта; его реализуют все хранилища.
type Repository interface {
	OrderManagementRepository
	AtomicOrderRepository
}
