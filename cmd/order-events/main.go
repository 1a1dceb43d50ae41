package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/messaging/kafka"
)

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	types       map[domain.EventType]struct{}
	userID      int64
	limit       int
	replay      bool
	fromNewest  bool
	idleTimeout time.Duration
}

// matches проверяет событие по фильтрам -types и -user.
func (c config) matches(event domain.Event) bool {
	if len(c.types) > 0 {
		if _, ok := c.types[event.Type]; !ok {
			return false
		}
	}
	return c.userID == 0 || event.UserID == c.userID
}

// skipsByHeader отбрасывает сообщение по заголовку event-type без разбора JSON.
// Сообщения без заголовка решаются уже после декодирования.
func (c config) skipsByHeader(msg *sarama.ConsumerMessage) bool {
	if len(c.types) == 0 {
		return false
	}
	eventType, ok := kafka.HeaderValue(msg.Headers, kafka.HeaderEventType)
	if !ok {
		return false
	}
	_, keep := c.types[domain.EventType(eventType)]
	return !keep
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newScanDependencies = func(cfg config) (offsetClient, partitionConsumerSource, *kafka.Producer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.replay {
		return client, consumer, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "order-events"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}

	return client, consumer, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fail("order events scan failed: %v", err)
	}
}

func readConfig(args []string) (config, error) {
	var (
		brokersRaw string
		typesRaw   string
		cfg        config
	)

	flags := flag.NewFlagSet("order-events", flag.ContinueOnError)
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flags.StringVar(&cfg.sourceTopic, "topic", kafka.TopicOrderEvents, "topic with order events")
	flags.StringVar(&cfg.targetTopic, "target-topic", "", "replay matched events to this topic")
	flags.StringVar(&typesRaw, "types", "", "comma-separated event types to keep (empty = all)")
	flags.Int64Var(&cfg.userID, "user", 0, "keep only events of this user id (0 = all)")
	flags.IntVar(&cfg.limit, "limit", defaultScanLimit, "max number of messages to scan")
	flags.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}

	cfg.brokers = parseList(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("topic is required")
	}
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	if cfg.targetTopic == cfg.sourceTopic {
		return config{}, fmt.Errorf("target-topic must differ from topic")
	}
	cfg.replay = cfg.targetTopic != ""
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	if cfg.userID < 0 {
		return config{}, fmt.Errorf("user must be >= 0")
	}

	for _, raw := range parseList(typesRaw) {
		eventType := domain.EventType(raw)
		if !knownEventType(eventType) {
			return config{}, fmt.Errorf("unknown event type: %s", raw)
		}
		if cfg.types == nil {
			cfg.types = make(map[domain.EventType]struct{})
		}
		cfg.types[eventType] = struct{}{}
	}

	return cfg, nil
}

func knownEventType(t domain.EventType) bool {
	switch t {
	case domain.EventUserCreated, domain.EventOrderPlaced, domain.EventOrderCanceled, domain.EventProductCreated:
		return true
	}
	return false
}

func parseList(raw string) []string {
	chunks := strings.Split(raw, ",")
	items := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		item := strings.TrimSpace(chunk)
		if item == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	log.WithFields(log.Fields{
		"topic":        cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"from_newest":  cfg.fromNewest,
	}).Info("starting order events scan")

	client, consumer, producer, err := newScanDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	s := &scanner{cfg: cfg, client: client, consumer: consumer, producer: producer, out: out}
	return s.scan(ctx)
}

// scanner читает партиции топика событий и печатает подходящие события JSON-строками.
type scanner struct {
	cfg      config
	client   offsetClient
	consumer partitionConsumerSource
	producer *kafka.Producer
	out      io.Writer
}

type partitionStats struct {
	processed int
	matched   int
	skipped   int
}

func (s *scanner) scan(ctx context.Context) error {
	if s.client == nil || s.consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if s.cfg.replay && s.producer == nil {
		return fmt.Errorf("producer is required for replay")
	}

	partitions, err := s.client.Partitions(s.cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", s.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", s.cfg.sourceTopic).Warn("topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		if total.processed >= s.cfg.limit {
			break
		}

		stats, err := s.processPartition(ctx, partition, s.cfg.limit-total.processed)
		if err != nil {
			return err
		}
		total.processed += stats.processed
		total.matched += stats.matched
		total.skipped += stats.skipped
	}

	log.WithFields(log.Fields{
		"processed": total.processed,
		"matched":   total.matched,
		"skipped":   total.skipped,
		"replay":    s.cfg.replay,
	}).Info("order events scan finished")

	return nil
}

func (s *scanner) processPartition(ctx context.Context, partition int32, limit int) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := s.client.GetOffset(s.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := s.client.GetOffset(s.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if s.cfg.fromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := s.consumer.ConsumePartition(s.cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(s.cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.cfg.idleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}
			stats.processed++

			if s.cfg.skipsByHeader(msg) {
				if msg.Offset+1 >= newest {
					return stats, nil
				}
				continue
			}

			event, err := decodeEvent(msg.Value)
			if err != nil {
				stats.skipped++
				log.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip undecodable message")
			} else if s.cfg.matches(event) {
				if err := s.emit(msg, event); err != nil {
					return stats, err
				}
				stats.matched++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

type printedEvent struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
	domain.Event
}

func (s *scanner) emit(msg *sarama.ConsumerMessage, event domain.Event) error {
	line, err := json.Marshal(printedEvent{Partition: msg.Partition, Offset: msg.Offset, Event: event})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if _, err := fmt.Fprintln(s.out, string(line)); err != nil {
		return err
	}

	if !s.cfg.replay {
		return nil
	}
	origin := sarama.RecordHeader{Key: []byte(kafka.HeaderReplayedFrom), Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))}
	if err := s.producer.Send(s.cfg.targetTopic, strconv.FormatInt(event.UserID, 10), event, kafka.EventHeaders(event, origin)...); err != nil {
		return fmt.Errorf("replay event %s: %w", event.ID, err)
	}
	return nil
}

var errNotAnEvent = errors.New("message is not an order event")

func decodeEvent(raw []byte) (domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.ID == "" || !knownEventType(event.Type) {
		return domain.Event{}, errNotAnEvent
	}
	return event, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
