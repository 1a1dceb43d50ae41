package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// Handler отдаёт операции репозитория по HTTP/JSON.
type Handler struct {
	repo   domain.Repository
	logger *log.Entry
}

// New создаёт echo-сервер с маршрутами /api/v1.
func New(repo domain.Repository, logger *log.Entry) *echo.Echo {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second

	e.Use(echomw.Recover())
	e.Use(requestLogger(logger))

	Register(e, repo, logger)
	return e
}

// Register вешает маршруты на существующий echo-сервер.
func Register(e *echo.Echo, repo domain.Repository, logger *log.Entry) {
	h := &Handler{repo: repo, logger: logger}

	api := e.Group("/api/v1")
	api.POST("/users", h.CreateUser)
	api.GET("/users/:id/role", h.UserRole)
	api.GET("/users/:id/orders", h.GetOrderByUser)
	api.POST("/users/:id/orders", h.PlaceOrder)
	api.DELETE("/users/:id/orders/:orderID", h.CancelOrder)
	api.GET("/products", h.GetAllProducts)
	api.POST("/products", h.CreateProduct)
}

func requestLogger(logger *log.Entry) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"method":      v.Method,
				"uri":         v.URI,
				"status":      v.Status,
				"duration_ms": v.Latency.Milliseconds(),
			})
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Debug("http request")
			return nil
		},
	})
}

func (h *Handler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	user := req.toDomain()
	if err := h.repo.CreateUser(c.Request().Context(), user); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, roleResponse{UserID: user.ID, Role: string(user.Role), IsAdmin: user.IsAdmin()})
}

func (h *Handler) UserRole(c echo.Context) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	role, err := h.repo.UserRole(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	admin, err := h.repo.IsAdmin(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, roleResponse{UserID: userID, Role: string(role), IsAdmin: admin})
}

func (h *Handler) GetOrderByUser(c echo.Context) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	products, err := h.repo.GetOrderByUser(c.Request().Context(), domain.User{ID: userID})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, productsFromDomain(products))
}

func (h *Handler) PlaceOrder(c echo.Context) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req placeOrderRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	user := domain.User{ID: userID, Username: req.Username, Password: req.Password, Role: domain.Role(req.Role)}
	products := make([]domain.Product, 0, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		products = append(products, domain.Product{ID: id})
	}

	ctx := c.Request().Context()
	var orders []domain.Order
	if req.Atomic {
		orders, err = h.repo.CreateOrderAtomic(ctx, user, products)
	} else {
		orders, err = h.repo.CreateOrder(ctx, user, products)
	}
	if err != nil {
		// Неатомарный заказ мог создать часть строк; они возвращаются вместе с ошибкой.
		return c.JSON(statusFor(err), placeOrderResponse{Orders: ordersFromDomain(orders), Error: publicMessage(err)})
	}
	return c.JSON(http.StatusCreated, placeOrderResponse{Orders: ordersFromDomain(orders)})
}

func (h *Handler) CancelOrder(c echo.Context) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	orderID, err := pathID(c, "orderID")
	if err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	if c.QueryParam("atomic") == "true" {
		err = h.repo.CancelOrderAtomic(ctx, userID, orderID)
	} else {
		err = h.repo.CancelOrder(ctx, userID, orderID)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetAllProducts(c echo.Context) error {
	products, err := h.repo.GetAllProducts(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, productsFromDomain(products))
}

func (h *Handler) CreateProduct(c echo.Context) error {
	actorID, err := strconv.ParseInt(c.Request().Header.Get(headerActorID), 10, 64)
	if err != nil {
		return badRequest(c, headerActorID+" header must be an integer user id")
	}

	var req productPayload
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	created, err := h.repo.CreateProduct(c.Request().Context(), domain.User{ID: actorID}, req.toDomain())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, productFromDomain(created))
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return id, nil
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: message, Kind: "bad_request"})
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorResponse{Error: publicMessage(err), Kind: string(domain.KindOf(err))})
}

// statusFor сопоставляет вид ошибки с HTTP-статусом.
func statusFor(err error) int {
	if domain.IsDuplicateKey(err) {
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindNone:
		return http.StatusOK
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage скрывает детали драйвера хранилища.
func publicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case domain.IsDuplicateKey(err):
		return domain.ErrDuplicateKey.Error()
	case domain.IsStoreFailure(err), domain.KindOf(err) == domain.KindUnknown:
		return "internal storage error"
	default:
		return err.Error()
	}
}
