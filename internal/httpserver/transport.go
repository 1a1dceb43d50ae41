package httpserver

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// headerActorID: ID пользователя, от имени которого создаётся товар.
const headerActorID = "X-User-ID"

type createUserRequest struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type productPayload struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Price           decimal.Decimal `json:"price"`
	QuantityInStock int32           `json:"quantity_in_stock"`
	Type            string          `json:"type"`
}

type placeOrderRequest struct {
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	Role       string  `json:"role"`
	ProductIDs []int64 `json:"product_ids"`
	// Atomic включает CreateOrderAtomic: либо все строки, либо ни одной.
	Atomic bool `json:"atomic"`
}

type orderPayload struct {
	ID        int64 `json:"id"`
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

type placeOrderResponse struct {
	Orders []orderPayload `json:"orders"`
	Error  string         `json:"error,omitempty"`
}

type roleResponse struct {
	UserID  int64  `json:"user_id"`
	Role    string `json:"role,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (r createUserRequest) toDomain() domain.User {
	return domain.User{ID: r.ID, Username: r.Username, Password: r.Password, Role: domain.Role(r.Role)}
}

func (p productPayload) toDomain() domain.Product {
	return domain.Product{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Price:           p.Price,
		QuantityInStock: p.QuantityInStock,
		Type:            p.Type,
	}
}

func productFromDomain(p domain.Product) productPayload {
	return productPayload{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Price:           p.Price,
		QuantityInStock: p.QuantityInStock,
		Type:            p.Type,
	}
}

func productsFromDomain(products []domain.Product) []productPayload {
	out := make([]productPayload, 0, len(products))
	for _, p := range products {
		out = append(out, productFromDomain(p))
	}
	return out
}

func ordersFromDomain(orders []domain.Order) []orderPayload {
	out := make([]orderPayload, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderPayload{ID: o.ID, UserID: o.UserID, ProductID: o.ProductID})
	}
	return out
}
