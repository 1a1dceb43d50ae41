package app

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/messaging/kafka"
)

const (
	publishBreakerFailures = 5
	publishBreakerReset    = 30 * time.Second
)

// splitBrokers разбирает список брокеров через запятую, пропуская пустые элементы.
func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// initKafkaProducer возвращает nil, nil, если брокеры не заданы.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// OpenEventPublisher создаёт Kafka-публикатор доменных событий в cfg.KafkaTopic.
// Без брокеров возвращает nil-публикатор: сервис тогда события не отправляет.
func OpenEventPublisher(cfg Config, logger *log.Entry) (domain.EventPublisher, func(), error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil || producer == nil {
		return nil, func() {}, err
	}
	publisher := kafka.NewResilientPublisher(
		kafka.NewEventPublisher(producer, cfg.KafkaTopic),
		kafka.DefaultRetryConfig(),
		kafka.NewCircuitBreaker(publishBreakerFailures, publishBreakerReset, logger.WithField("component", "kafka-breaker")),
		logger.WithField("component", "event-publisher"),
	)
	return publisher, func() { closeKafka(producer, logger) }, nil
}
