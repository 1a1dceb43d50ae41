package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// TopicOrderEvents: topic по умолчанию для событий заказов.
const TopicOrderEvents = "oms.order.events"

// Заголовки сообщения позволяют фильтровать события без разбора JSON.
const (
	HeaderEventType    = "event-type"
	HeaderEventID      = "event-id"
	HeaderReplayedFrom = "replayed-from"
)

// EventHeaders возвращает заголовки для события; extra добавляются в конец.
func EventHeaders(event domain.Event, extra ...sarama.RecordHeader) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(event.Type)},
		{Key: []byte(HeaderEventID), Value: []byte(event.ID)},
	}
	return append(headers, extra...)
}

// HeaderValue ищет заголовок по ключу.
func HeaderValue(headers []*sarama.RecordHeader, key string) (string, bool) {
	for _, h := range headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// EventPublisher публикует доменные события в один topic.
// Ключ сообщения: ID пользователя, поэтому события одного пользователя
// попадают в одну партицию и сохраняют порядок.
type EventPublisher struct {
	producer *Producer
	topic    string
}

// NewEventPublisher создаёт паблишер; пустой topic заменяется на TopicOrderEvents.
func NewEventPublisher(producer *Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &EventPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Topic возвращает topic, в который пишет паблишер.
func (p *EventPublisher) Topic() string {
	return p.topic
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka event publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return p.producer.Send(p.topic, strconv.FormatInt(event.UserID, 10), event, EventHeaders(event)...)
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
