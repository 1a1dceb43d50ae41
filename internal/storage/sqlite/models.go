package sqlite

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// Имена таблиц и колонок совпадают со схемой PostgreSQL.

type userRow struct {
	UserID   int64  `gorm:"column:userId;primaryKey;autoIncrement:false"`
	Username string `gorm:"column:username;not null"`
	Password string `gorm:"column:password;not null"`
	Role     string `gorm:"column:role;not null"`
}

func (userRow) TableName() string { return "User" }

type productRow struct {
	ProductID   int64  `gorm:"column:productId;primaryKey;autoIncrement"`
	ProductName string `gorm:"column:productName;not null"`
	Description string `gorm:"column:description;not null;default:''"`
	// Цена хранится текстом: decimal.Decimal пишет строку и читает её без потерь.
	Price           decimal.Decimal `gorm:"column:price;type:text;not null"`
	QuantityInStock int32           `gorm:"column:quantityInStock;not null;default:0"`
	Type            string          `gorm:"column:type;not null;default:''"`
}

func (productRow) TableName() string { return "Product" }

type orderRow struct {
	OrderID   int64 `gorm:"column:orderId;primaryKey;autoIncrement"`
	UserID    int64 `gorm:"column:userId;not null;index:ordertable_user_idx"`
	ProductID int64 `gorm:"column:productId;not null"`
}

func (orderRow) TableName() string { return "OrderTable" }

func userToRow(u domain.User) userRow {
	return userRow{UserID: u.ID, Username: u.Username, Password: u.Password, Role: string(u.Role)}
}

func productToRow(p domain.Product) productRow {
	return productRow{
		ProductName:     p.Name,
		Description:     p.Description,
		Price:           p.Price,
		QuantityInStock: p.QuantityInStock,
		Type:            p.Type,
	}
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:              r.ProductID,
		Name:            r.ProductName,
		Description:     r.Description,
		Price:           r.Price,
		QuantityInStock: r.QuantityInStock,
		Type:            r.Type,
	}
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{ID: r.OrderID, UserID: r.UserID, ProductID: r.ProductID}
}

func productsToDomain(rows []productRow) []domain.Product {
	out := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
