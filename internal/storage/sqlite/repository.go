package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

const opTimeout = 5 * time.Second

type repository struct {
	db *gorm.DB
}

// NewRepository создаёт SQLite-реализацию domain.Repository.
func NewRepository(store *Store) domain.Repository {
	return &repository{db: store.DB()}
}

func (r *repository) CreateOrder(ctx context.Context, user domain.User, products []domain.Product) ([]domain.Order, error) {
	if _, err := r.EnsureUser(ctx, user); err != nil {
		return nil, err
	}
	return r.PlaceOrderLines(ctx, user.ID, products)
}

func (r *repository) EnsureUser(ctx context.Context, user domain.User) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	exists, err := userExists(db, user.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := insertUser(db, user); err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) PlaceOrderLines(ctx context.Context, userID int64, products []domain.Product) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	exists, err := userExists(db, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	created := make([]domain.Order, 0, len(products))
	for _, product := range products {
		order, err := placeOrderLine(db, userID, product.ID)
		if err != nil {
			return created, err
		}
		created = append(created, order)
	}
	return created, nil
}

func (r *repository) CancelOrder(ctx context.Context, userID, orderID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	exists, err := userExists(db, userID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrUserNotFound
	}

	var n int64
	if err := db.Model(&orderRow{}).
		Where("orderId = ? AND userId = ?", orderID, userID).
		Count(&n).Error; err != nil {
		return domain.NewStoreError("check order exists", err)
	}
	if n == 0 {
		return domain.ErrOrderNotFound
	}

	_, err = deleteOrderLine(db, orderID, userID)
	return err
}

func (r *repository) CreateProduct(ctx context.Context, actor domain.User, product domain.Product) (domain.Product, error) {
	admin, err := r.IsAdmin(ctx, actor.ID)
	if err != nil {
		return domain.Product{}, err
	}
	if !admin {
		return domain.Product{}, domain.ErrAdminNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := productToRow(product)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Product{}, domain.NewStoreError("insert product", err)
	}
	return row.toDomain(), nil
}

func (r *repository) CreateUser(ctx context.Context, user domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return insertUser(r.db.WithContext(ctx), user)
}

func (r *repository) GetAllProducts(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []productRow
	if err := r.db.WithContext(ctx).Order("productId").Find(&rows).Error; err != nil {
		return nil, domain.NewStoreError("select products", err)
	}
	return productsToDomain(rows), nil
}

func (r *repository) GetOrderByUser(ctx context.Context, user domain.User) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	db := r.db.WithContext(ctx)
	exists, err := userExists(db, user.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	var rows []productRow
	err = db.Table("OrderTable AS o").
		Select("p.productId, p.productName, p.description, p.price, p.quantityInStock, p.type").
		Joins("JOIN Product AS p ON o.productId = p.productId").
		Where("o.userId = ?", user.ID).
		Order("o.orderId").
		Scan(&rows).Error
	if err != nil {
		return nil, domain.NewStoreError("select orders by user", err)
	}
	return productsToDomain(rows), nil
}

func (r *repository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int64
	err := r.db.WithContext(ctx).Model(&userRow{}).
		Where("userId = ? AND role = ?", userID, string(domain.RoleAdmin)).
		Count(&n).Error
	if err != nil {
		return false, domain.NewStoreError("check admin", err)
	}
	return n > 0, nil
}

func (r *repository) UserRole(ctx context.Context, userID int64) (domain.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row userRow
	err := r.db.WithContext(ctx).Where("userId = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", domain.NewStoreError("select user role", err)
	}
	return domain.Role(row.Role), nil
}

func (r *repository) CreateOrderAtomic(ctx context.Context, user domain.User, products []domain.Product) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var created []domain.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := userToRow(user)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return domain.NewStoreError("ensure user", err)
		}

		created = make([]domain.Order, 0, len(products))
		for _, product := range products {
			order, err := placeOrderLine(tx, user.ID, product.ID)
			if err != nil {
				return err
			}
			created = append(created, order)
		}
		return nil
	})
	if err != nil {
		return nil, asStoreError("create order tx", err)
	}
	return created, nil
}

func (r *repository) CancelOrderAtomic(ctx context.Context, userID, orderID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := deleteOrderLine(tx, orderID, userID)
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}

		exists, err := userExists(tx, userID)
		switch {
		case err != nil:
			return err
		case !exists:
			return domain.ErrUserNotFound
		default:
			return domain.ErrOrderNotFound
		}
	})
	return asStoreError("cancel order tx", err)
}

func userExists(db *gorm.DB, userID int64) (bool, error) {
	var n int64
	if err := db.Model(&userRow{}).Where("userId = ?", userID).Count(&n).Error; err != nil {
		return false, domain.NewStoreError("check user exists", err)
	}
	return n > 0, nil
}

func productExists(db *gorm.DB, productID int64) (bool, error) {
	var n int64
	if err := db.Model(&productRow{}).Where("productId = ?", productID).Count(&n).Error; err != nil {
		return false, domain.NewStoreError("check product exists", err)
	}
	return n > 0, nil
}

func insertUser(db *gorm.DB, user domain.User) error {
	row := userToRow(user)
	if err := db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("insert user", fmt.Errorf("%w: %w", domain.ErrDuplicateKey, err))
		}
		return domain.NewStoreError("insert user", err)
	}
	return nil
}

// placeOrderLine проверяет товар и вставляет одну строку заказа.
func placeOrderLine(db *gorm.DB, userID, productID int64) (domain.Order, error) {
	found, err := productExists(db, productID)
	if err != nil {
		return domain.Order{}, err
	}
	if !found {
		return domain.Order{}, fmt.Errorf("product %d: %w", productID, domain.ErrProductNotFound)
	}

	row := orderRow{UserID: userID, ProductID: productID}
	if err := db.Create(&row).Error; err != nil {
		return domain.Order{}, domain.NewStoreError("insert order line", err)
	}
	return row.toDomain(), nil
}

func deleteOrderLine(db *gorm.DB, orderID, userID int64) (int64, error) {
	res := db.Where("orderId = ? AND userId = ?", orderID, userID).Delete(&orderRow{})
	if res.Error != nil {
		return 0, domain.NewStoreError("delete order line", res.Error)
	}
	return res.RowsAffected, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// asStoreError оставляет доменные ошибки как есть, остальное считает сбоем хранилища.
func asStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	return domain.NewStoreError(op, err)
}

var _ domain.Repository = (*repository)(nil)
