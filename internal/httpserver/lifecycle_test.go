package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/httpserver"
	"github.com/vladislavdragonenkov/ordermgmt/internal/metrics"
	"github.com/vladislavdragonenkov/ordermgmt/internal/service/orders"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/sqlite"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(_ context.Context, event domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

// OrderLifecycleTestSuite прогоняет сценарии через HTTP API, сервис и хранилище.
type OrderLifecycleTestSuite struct {
	suite.Suite
	newRepo func(t *testing.T) domain.Repository

	server *httptest.Server
	events *eventLog
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "lifecycle-test")

	s.events = &eventLog{}
	svc := orders.NewService(
		s.newRepo(s.T()),
		s.events,
		metrics.NewRepositoryMetricsWithRegisterer(prometheus.NewRegistry()),
		logger,
	)
	s.server = httptest.NewServer(httpserver.New(svc, logger))
}

func (s *OrderLifecycleTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *OrderLifecycleTestSuite) do(method, path string, body any, headers map[string]string, out any) int {
	var reader bytes.Buffer
	if body != nil {
		require.NoError(s.T(), json.NewEncoder(&reader).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &reader)
	require.NoError(s.T(), err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.server.Client().Do(req)
	require.NoError(s.T(), err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type orderLine struct {
	ID        int64 `json:"id"`
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

type placed struct {
	Orders []orderLine `json:"orders"`
	Error  string      `json:"error"`
}

type product struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

func (s *OrderLifecycleTestSuite) seedCatalogue() []product {
	status := s.do(http.MethodPost, "/api/v1/users", map[string]any{"id": 1, "username": "admin", "role": "Admin"}, nil, nil)
	s.Require().Equal(http.StatusCreated, status)

	var catalogue []product
	for _, p := range []map[string]any{
		{"name": "Laptop", "price": "1999.00", "quantity_in_stock": 5},
		{"name": "Mouse", "price": "49.99", "quantity_in_stock": 50},
	} {
		var created product
		status := s.do(http.MethodPost, "/api/v1/products", p, map[string]string{"X-User-ID": "1"}, &created)
		s.Require().Equal(http.StatusCreated, status)
		catalogue = append(catalogue, created)
	}
	return catalogue
}

func (s *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	catalogue := s.seedCatalogue()

	// 1. Новый покупатель оформляет заказ и создаётся неявно
	var resp placed
	status := s.do(http.MethodPost, "/api/v1/users/2/orders", map[string]any{
		"username":    "bob",
		"product_ids": []int64{catalogue[0].ID, catalogue[1].ID, catalogue[1].ID},
	}, nil, &resp)
	s.Require().Equal(http.StatusCreated, status)
	s.Require().Len(resp.Orders, 3)

	// 2. Заказанные товары возвращаются в порядке вставки, с дублями
	var ordered []product
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/users/2/orders", nil, nil, &ordered))
	s.Require().Len(ordered, 3)
	s.Equal("Laptop", ordered[0].Name)
	s.Equal("49.99", ordered[2].Price)

	// 3. Отмена одной строки
	path := fmt.Sprintf("/api/v1/users/2/orders/%d?atomic=true", resp.Orders[0].ID)
	s.Require().Equal(http.StatusNoContent, s.do(http.MethodDelete, path, nil, nil, nil))
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/users/2/orders", nil, nil, &ordered))
	s.Len(ordered, 2)

	// 4. Роль неявно созданного пользователя
	var role struct {
		Role    string `json:"role"`
		IsAdmin bool   `json:"is_admin"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/users/2/role", nil, nil, &role))
	s.False(role.IsAdmin)

	s.Equal([]domain.EventType{
		domain.EventProductCreated,
		domain.EventProductCreated,
		domain.EventUserCreated,
		domain.EventOrderPlaced,
		domain.EventOrderPlaced,
		domain.EventOrderPlaced,
		domain.EventOrderCanceled,
	}, s.events.types())
}

func (s *OrderLifecycleTestSuite) TestNonAdminCannotCreateProduct() {
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/v1/users", map[string]any{"id": 7, "username": "eve", "role": "admin"}, nil, nil))

	var errResp struct {
		Kind string `json:"kind"`
	}
	status := s.do(http.MethodPost, "/api/v1/products", map[string]any{"name": "Hack", "price": "1"}, map[string]string{"X-User-ID": "7"}, &errResp)
	s.Equal(http.StatusForbidden, status)
	s.Equal("authorization", errResp.Kind)

	var catalogue []product
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/products", nil, nil, &catalogue))
	s.Empty(catalogue)
}

func (s *OrderLifecycleTestSuite) TestPartialOrderKeepsCreatedLines() {
	catalogue := s.seedCatalogue()

	var resp placed
	status := s.do(http.MethodPost, "/api/v1/users/3/orders", map[string]any{
		"product_ids": []int64{catalogue[0].ID, 9999, catalogue[1].ID},
	}, nil, &resp)
	s.Equal(http.StatusNotFound, status)
	s.Len(resp.Orders, 1)
	s.NotEmpty(resp.Error)

	var ordered []product
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/users/3/orders", nil, nil, &ordered))
	s.Len(ordered, 1)
}

func (s *OrderLifecycleTestSuite) TestAtomicOrderRollsBack() {
	catalogue := s.seedCatalogue()

	var resp placed
	status := s.do(http.MethodPost, "/api/v1/users/4/orders", map[string]any{
		"product_ids": []int64{catalogue[0].ID, 9999},
		"atomic":      true,
	}, nil, &resp)
	s.Equal(http.StatusNotFound, status)
	s.Empty(resp.Orders)

	// Пользователь тоже не создан
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/users/4/orders", nil, nil, nil))
	s.NotContains(s.events.types(), domain.EventOrderPlaced)
}

func (s *OrderLifecycleTestSuite) TestCancelForeignOrder() {
	catalogue := s.seedCatalogue()

	var resp placed
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/v1/users/5/orders", map[string]any{
		"product_ids": []int64{catalogue[0].ID},
	}, nil, &resp))

	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/v1/users", map[string]any{"id": 6}, nil, nil))
	path := fmt.Sprintf("/api/v1/users/6/orders/%d", resp.Orders[0].ID)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, path, nil, nil, nil))

	var ordered []product
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/users/5/orders", nil, nil, &ordered))
	s.Len(ordered, 1)
}

func TestOrderLifecycle_Memory(t *testing.T) {
	suite.Run(t, &OrderLifecycleTestSuite{
		newRepo: func(*testing.T) domain.Repository { return memory.NewRepository() },
	})
}

func TestOrderLifecycle_SQLite(t *testing.T) {
	suite.Run(t, &OrderLifecycleTestSuite{
		newRepo: func(t *testing.T) domain.Repository {
			store, err := sqlite.Open(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return sqlite.NewRepository(store)
		},
	})
}
