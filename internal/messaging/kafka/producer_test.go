package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

func newTestProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()

	mockProducer := mocks.NewSyncProducer(t, nil)
	return NewProducerWithSyncProducer(mockProducer, log.WithField("component", "kafka-producer-test")), mockProducer
}

func TestProducer_Send(t *testing.T) {
	producer, mockProducer := newTestProducer(t)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]any
		return json.Unmarshal(val, &decoded)
	})

	err := producer.Send(TopicOrderEvents, "7", map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_Send_Error(t *testing.T) {
	producer, mockProducer := newTestProducer(t)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(TopicOrderEvents, "7", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_Send_MarshalError(t *testing.T) {
	producer, mockProducer := newTestProducer(t)

	err := producer.Send(TopicOrderEvents, "7", make(chan int))
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_NilGuards(t *testing.T) {
	var producer *Producer
	assert.Error(t, producer.Send(TopicOrderEvents, "k", nil))
	assert.NoError(t, producer.Close())

	_, err := NewProducer(nil, nil)
	assert.Error(t, err)
}

func TestNewProducerConfig(t *testing.T) {
	config := NewProducerConfig()

	assert.True(t, config.Producer.Idempotent)
	assert.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	assert.Equal(t, 1, config.Net.MaxOpenRequests)
	assert.True(t, config.Producer.Return.Successes)
	require.NoError(t, config.Validate())
}

func TestEventPublisher_Publish(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	publisher := NewEventPublisher(producer, "")
	assert.Equal(t, TopicOrderEvents, publisher.Topic())

	event := domain.NewEvent(domain.EventOrderPlaced, 42)
	event.OrderID = 5
	event.ProductID = 3

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicOrderEvents, msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "42", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)

		var decoded domain.Event
		require.NoError(t, json.Unmarshal(value, &decoded))
		assert.Equal(t, event.ID, decoded.ID)
		assert.Equal(t, domain.EventOrderPlaced, decoded.Type)
		assert.Equal(t, int64(5), decoded.OrderID)
		assert.Equal(t, int64(3), decoded.ProductID)

		headers := make([]*sarama.RecordHeader, 0, len(msg.Headers))
		for i := range msg.Headers {
			headers = append(headers, &msg.Headers[i])
		}
		eventType, ok := HeaderValue(headers, HeaderEventType)
		assert.True(t, ok)
		assert.Equal(t, string(domain.EventOrderPlaced), eventType)
		eventID, _ := HeaderValue(headers, HeaderEventID)
		assert.Equal(t, event.ID, eventID)
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), event))
	require.NoError(t, mockProducer.Close())
}

func TestEventPublisher_CanceledContext(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	publisher := NewEventPublisher(producer, "custom.topic")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.Publish(ctx, domain.NewEvent(domain.EventUserCreated, 1))
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mockProducer.Close())
}

func TestEventPublisher_NotInitialized(t *testing.T) {
	var publisher *EventPublisher
	assert.Error(t, publisher.Publish(context.Background(), domain.NewEvent(domain.EventUserCreated, 1)))
}

func TestEventHeaders(t *testing.T) {
	event := domain.NewEvent(domain.EventOrderCanceled, 9)
	headers := EventHeaders(event, sarama.RecordHeader{Key: []byte(HeaderReplayedFrom), Value: []byte("oms.order.events")})
	require.Len(t, headers, 3)

	ptrs := []*sarama.RecordHeader{nil, &headers[0], &headers[1], &headers[2]}
	value, ok := HeaderValue(ptrs, HeaderReplayedFrom)
	assert.True(t, ok)
	assert.Equal(t, "oms.order.events", value)

	_, ok = HeaderValue(ptrs, "missing")
	assert.False(t, ok)
}
