package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType: тип доменного события.
type EventType string

const (
	EventUserCreated    EventType = "user.created"
	EventOrderPlaced    EventType = "order.placed"
	EventOrderCanceled  EventType = "order.canceled"
	EventProductCreated EventType = "product.created"
)

// Event: доменное событие, публикуемое после успешной мутации.
type Event struct {
	ID        string         `json:"event_id"`
	Type      EventType      `json:"event_type"`
	UserID    int64          `json:"user_id"`
	OrderID   int64          `json:"order_id,omitempty"`
	ProductID int64          `json:"product_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent создаёт событие с новым идентификатором и текущим временем в UTC.
func NewEvent(eventType EventType, userID int64) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher доставляет доменные события во внешнюю систему.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
