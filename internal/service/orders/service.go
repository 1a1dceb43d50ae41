package orders

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/metrics"
)

const publishTimeout = 3 * time.Second

// Service оборачивает репозиторий логированием, метриками и публикацией событий.
// Ошибки репозитория возвращаются без изменений.
type Service struct {
	repo      domain.Repository
	publisher domain.EventPublisher
	metrics   *metrics.RepositoryMetrics
	logger    *log.Entry
}

// NewService создаёт сервис. publisher и m могут быть nil.
func NewService(repo domain.Repository, publisher domain.EventPublisher, m *metrics.RepositoryMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "orders")
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger.WithField("layer", "service"),
	}
}

func (s *Service) CreateOrder(ctx context.Context, user domain.User, products []domain.Product) (orders []domain.Order, err error) {
	done := s.track("create_order", log.Fields{"user_id": user.ID, "count": len(products)})
	defer func() { done(err) }()

	created, err := s.repo.EnsureUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if created {
		s.metrics.RecordUserAutoCreated()
		s.logger.WithField("user_id", user.ID).Info("user created implicitly by order")
		s.publishUserCreated(ctx, user, true)
	}

	orders, err = s.repo.PlaceOrderLines(ctx, user.ID, products)
	// Частично созданные строки уже записаны, события по ним публикуются.
	s.publishOrdersPlaced(ctx, orders)
	return orders, err
}

func (s *Service) EnsureUser(ctx context.Context, user domain.User) (created bool, err error) {
	done := s.track("ensure_user", log.Fields{"user_id": user.ID})
	defer func() { done(err) }()

	created, err = s.repo.EnsureUser(ctx, user)
	if err == nil && created {
		s.metrics.RecordUserAutoCreated()
		s.publishUserCreated(ctx, user, true)
	}
	return created, err
}

func (s *Service) PlaceOrderLines(ctx context.Context, userID int64, products []domain.Product) (orders []domain.Order, err error) {
	done := s.track("place_order_lines", log.Fields{"user_id": userID, "count": len(products)})
	defer func() { done(err) }()

	orders, err = s.repo.PlaceOrderLines(ctx, userID, products)
	s.publishOrdersPlaced(ctx, orders)
	return orders, err
}

func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (err error) {
	done := s.track("cancel_order", log.Fields{"user_id": userID, "order_id": orderID})
	defer func() { done(err) }()

	if err = s.repo.CancelOrder(ctx, userID, orderID); err != nil {
		return err
	}
	s.publishOrderCanceled(ctx, userID, orderID)
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.User, product domain.Product) (created domain.Product, err error) {
	done := s.track("create_product", log.Fields{"user_id": actor.ID})
	defer func() { done(err) }()

	created, err = s.repo.CreateProduct(ctx, actor, product)
	if err != nil {
		return domain.Product{}, err
	}

	event := domain.NewEvent(domain.EventProductCreated, actor.ID)
	event.ProductID = created.ID
	event.Metadata = map[string]any{
		"name":  created.Name,
		"price": created.Price.String(),
		"type":  created.Type,
	}
	s.publish(ctx, event)
	return created, nil
}

func (s *Service) CreateUser(ctx context.Context, user domain.User) (err error) {
	done := s.track("create_user", log.Fields{"user_id": user.ID})
	defer func() { done(err) }()

	if err = s.repo.CreateUser(ctx, user); err != nil {
		return err
	}
	s.publishUserCreated(ctx, user, false)
	return nil
}

func (s *Service) GetAllProducts(ctx context.Context) (products []domain.Product, err error) {
	done := s.track("get_all_products", nil)
	defer func() { done(err) }()

	return s.repo.GetAllProducts(ctx)
}

func (s *Service) GetOrderByUser(ctx context.Context, user domain.User) (products []domain.Product, err error) {
	done := s.track("get_order_by_user", log.Fields{"user_id": user.ID})
	defer func() { done(err) }()

	return s.repo.GetOrderByUser(ctx, user)
}

func (s *Service) IsAdmin(ctx context.Context, userID int64) (admin bool, err error) {
	done := s.track("is_admin", log.Fields{"user_id": userID})
	defer func() { done(err) }()

	return s.repo.IsAdmin(ctx, userID)
}

func (s *Service) UserRole(ctx context.Context, userID int64) (role domain.Role, err error) {
	done := s.track("user_role", log.Fields{"user_id": userID})
	defer func() { done(err) }()

	return s.repo.UserRole(ctx, userID)
}

func (s *Service) CreateOrderAtomic(ctx context.Context, user domain.User, products []domain.Product) (orders []domain.Order, err error) {
	done := s.track("create_order_atomic", log.Fields{"user_id": user.ID, "count": len(products)})
	defer func() { done(err) }()

	orders, err = s.repo.CreateOrderAtomic(ctx, user, products)
	if err != nil {
		return nil, err
	}
	s.publishOrdersPlaced(ctx, orders)
	return orders, nil
}

func (s *Service) CancelOrderAtomic(ctx context.Context, userID, orderID int64) (err error) {
	done := s.track("cancel_order_atomic", log.Fields{"user_id": userID, "order_id": orderID})
	defer func() { done(err) }()

	if err = s.repo.CancelOrderAtomic(ctx, userID, orderID); err != nil {
		return err
	}
	s.publishOrderCanceled(ctx, userID, orderID)
	return nil
}

// track отмечает начало операции и возвращает функцию завершения,
// которая пишет метрики и лог с видом ошибки.
func (s *Service) track(op string, fields log.Fields) func(err error) {
	start := time.Now()
	s.metrics.OperationStarted()

	return func(err error) {
		duration := time.Since(start)
		s.metrics.OperationFinished()
		s.metrics.ObserveOperation(op, err, duration)

		entry := s.logger.WithFields(fields).WithFields(log.Fields{
			"op":          op,
			"duration_ms": duration.Milliseconds(),
		})

		kind := domain.KindOf(err)
		switch kind {
		case domain.KindNone:
			entry.Debug("operation completed")
		case domain.KindNotFound, domain.KindAuthorization:
			entry.WithError(err).WithField("kind", kind).Warn("operation rejected")
		default:
			entry.WithError(err).WithField("kind", kind).Error("operation failed")
		}
	}
}

func (s *Service) publishUserCreated(ctx context.Context, user domain.User, implicit bool) {
	event := domain.NewEvent(domain.EventUserCreated, user.ID)
	event.Metadata = map[string]any{
		"username": user.Username,
		"role":     string(user.Role),
		"implicit": implicit,
	}
	s.publish(ctx, event)
}

func (s *Service) publishOrdersPlaced(ctx context.Context, orders []domain.Order) {
	for _, order := range orders {
		event := domain.NewEvent(domain.EventOrderPlaced, order.UserID)
		event.OrderID = order.ID
		event.ProductID = order.ProductID
		s.publish(ctx, event)
	}
}

func (s *Service) publishOrderCanceled(ctx context.Context, userID, orderID int64) {
	event := domain.NewEvent(domain.EventOrderCanceled, userID)
	event.OrderID = orderID
	s.publish(ctx, event)
}

// publish не возвращает ошибку: мутация уже зафиксирована.
func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.metrics.RecordEventPublishFailed(string(event.Type))
		s.logger.WithError(err).WithFields(log.Fields{
			"event_type": event.Type,
			"event_id":   event.ID,
			"user_id":    event.UserID,
		}).Warn("failed to publish domain event")
		return
	}
	s.metrics.RecordEventPublished(string(event.Type))
}

var _ domain.Repository = (*Service)(nil)
