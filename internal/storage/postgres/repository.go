package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	userForeignKey    = "ordertable_user_fk"
	productForeignKey = "ordertable_product_fk"
)

const productColumns = `productId, productName, description, price, quantityInStock, type`

// queryer: общее подмножество *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repository struct {
	db *sql.DB
}

// NewRepository создаёт PostgreSQL-реализацию domain.Repository.
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

	exists, err := userExists(ctx, r.db, user.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := insertUser(ctx, r.db, user); err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) PlaceOrderLines(ctx context.Context, userID int64, products []domain.Product) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := userExists(ctx, r.db, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	created := make([]domain.Order, 0, len(products))
	for _, product := range products {
		found, err := productExists(ctx, r.db, product.ID, false)
		if err != nil {
			return created, err
		}
		if !found {
			return created, fmt.Errorf("product %d: %w", product.ID, domain.ErrProductNotFound)
		}

		order, err := insertOrderLine(ctx, r.db, userID, product.ID)
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

	exists, err := userExists(ctx, r.db, userID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrUserNotFound
	}

	var one int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM OrderTable WHERE orderId = $1 AND userId = $2`,
		orderID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.NewStoreError("check order exists", err)
	}

	if _, err := deleteOrderLine(ctx, r.db, orderID, userID); err != nil {
		return err
	}
	return nil
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

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO Product (productName, description, price, quantityInStock, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING productId, price
	`,
		product.Name, product.Description, product.Price, product.QuantityInStock, product.Type,
	).Scan(&product.ID, &product.Price)
	if err != nil {
		return domain.Product{}, domain.NewStoreError("insert product", err)
	}
	return product, nil
}

func (r *repository) CreateUser(ctx context.Context, user domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return insertUser(ctx, r.db, user)
}

func (r *repository) GetAllProducts(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM Product`)
	if err != nil {
		return nil, domain.NewStoreError("select products", err)
	}
	return scanProducts(rows, "select products")
}

func (r *repository) GetOrderByUser(ctx context.Context, user domain.User) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := userExists(ctx, r.db, user.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT p.productId, p.productName, p.description, p.price, p.quantityInStock, p.type
		FROM OrderTable o
		JOIN Product p ON o.productId = p.productId
		WHERE o.userId = $1
		ORDER BY o.orderId
	`, user.ID)
	if err != nil {
		return nil, domain.NewStoreError("select orders by user", err)
	}
	return scanProducts(rows, "select orders by user")
}

func (r *repository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM "User" WHERE userId = $1 AND role = $2`,
		userID, string(domain.RoleAdmin),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewStoreError("check admin", err)
	}
	return true, nil
}

func (r *repository) UserRole(ctx context.Context, userID int64) (domain.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM "User" WHERE userId = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", domain.NewStoreError("select user role", err)
	}
	return domain.Role(role), nil
}

func (r *repository) CreateOrderAtomic(ctx context.Context, user domain.User, products []domain.Product) (created []domain.Order, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewStoreError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			created = nil
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO "User" (userId, username, password, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (userId) DO NOTHING
	`, user.ID, user.Username, user.Password, string(user.Role)); err != nil {
		return nil, domain.NewStoreError("ensure user", err)
	}

	created = make([]domain.Order, 0, len(products))
	for _, product := range products {
		// FOR SHARE не даёт удалить товар до фиксации транзакции.
		found, ferr := productExists(ctx, tx, product.ID, true)
		if ferr != nil {
			return nil, ferr
		}
		if !found {
			return nil, fmt.Errorf("product %d: %w", product.ID, domain.ErrProductNotFound)
		}

		order, oerr := insertOrderLine(ctx, tx, user.ID, product.ID)
		if oerr != nil {
			return nil, oerr
		}
		created = append(created, order)
	}

	if err = tx.Commit(); err != nil {
		return nil, domain.NewStoreError("commit create order", err)
	}
	return created, nil
}

func (r *repository) CancelOrderAtomic(ctx context.Context, userID, orderID int64) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStoreError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	affected, err := deleteOrderLine(ctx, tx, orderID, userID)
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, uerr := userExists(ctx, tx, userID)
		switch {
		case uerr != nil:
			return uerr
		case !exists:
			return domain.ErrUserNotFound
		default:
			return domain.ErrOrderNotFound
		}
	}

	if err = tx.Commit(); err != nil {
		return domain.NewStoreError("commit cancel order", err)
	}
	return nil
}

func userExists(ctx context.Context, q queryer, userID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM "User" WHERE userId = $1`, userID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, domain.NewStoreError("check user exists", err)
}

func productExists(ctx context.Context, q queryer, productID int64, lock bool) (bool, error) {
	query := `SELECT 1 FROM Product WHERE productId = $1`
	if lock {
		query += ` FOR SHARE`
	}

	var one int
	err := q.QueryRowContext(ctx, query, productID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, domain.NewStoreError("check product exists", err)
}

func insertUser(ctx context.Context, q queryer, user domain.User) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO "User" (userId, username, password, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Password, string(user.Role))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewStoreError("insert user", fmt.Errorf("%w: %w", domain.ErrDuplicateKey, err))
		}
		return domain.NewStoreError("insert user", err)
	}
	return nil
}

func insertOrderLine(ctx context.Context, q queryer, userID, productID int64) (domain.Order, error) {
	order := domain.Order{UserID: userID, ProductID: productID}
	err := q.QueryRowContext(ctx, `
		INSERT INTO OrderTable (userId, productId)
		VALUES ($1, $2)
		RETURNING orderId
	`, userID, productID).Scan(&order.ID)
	if err != nil {
		// Строка могла исчезнуть между проверкой и вставкой.
		switch foreignKeyConstraint(err) {
		case productForeignKey:
			return domain.Order{}, fmt.Errorf("product %d: %w", productID, domain.ErrProductNotFound)
		case userForeignKey:
			return domain.Order{}, domain.ErrUserNotFound
		}
		return domain.Order{}, domain.NewStoreError("insert order line", err)
	}
	return order, nil
}

func deleteOrderLine(ctx context.Context, q queryer, orderID, userID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM OrderTable WHERE orderId = $1 AND userId = $2`,
		orderID, userID,
	)
	if err != nil {
		return 0, domain.NewStoreError("delete order line", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStoreError("rows affected", err)
	}
	return affected, nil
}

func scanProducts(rows *sql.Rows, op string) ([]domain.Product, error) {
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.QuantityInStock, &p.Type); err != nil {
			return nil, domain.NewStoreError(op+": scan", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError(op+": iterate", err)
	}
	return products, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// foreignKeyConstraint возвращает имя нарушенного внешнего ключа или "".
func foreignKeyConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return pgErr.ConstraintName
	}
	return ""
}

var _ domain.Repository = (*repository)(nil)
