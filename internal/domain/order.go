package domain

import "github.com/shopspring/decimal"

// Role описывает роль пользователя. Распознаётся только RoleAdmin,
// любое другое значение считается обычной ролью.
type Role string

const (
	// RoleAdmin: роль администратора, открывающая CreateProduct.
	RoleAdmin Role = "Admin"
	// RoleUser: общепринятое значение обычной роли.
	RoleUser Role = "User"
)

// User: пользователь системы. ID назначается снаружи и уникален.
type User struct {
	ID       int64
	Username string
	// Password хранится в том виде, в котором передан вызывающим кодом.
	Password string
	Role     Role
}

// IsAdmin сообщает, совпадает ли роль пользователя ровно с "Admin".
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Product: товар каталога. ID назначает хранилище при вставке.
type Product struct {
	ID              int64
	Name            string
	Description     string
	Price           decimal.Decimal
	QuantityInStock int32
	Type            string
}

// SameAttributes сравнивает все поля товара, кроме идентификатора.
func (p Product) SameAttributes(other Product) bool {
	return p.Name == other.Name &&
		p.Description == other.Description &&
		p.Price.Equal(other.Price) &&
		p.QuantityInStock == other.QuantityInStock &&
		p.Type == other.Type
}

// Order: строка заказа: один купленный товар одного пользователя.
type Order struct {
	ID        int64
	UserID    int64
	ProductID int64
}
