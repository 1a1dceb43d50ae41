package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/messaging/kafka"
)

func eventMessage(t *testing.T, partition int32, offset int64, eventType domain.EventType, userID int64) *sarama.ConsumerMessage {
	t.Helper()

	event := domain.NewEvent(eventType, userID)
	event.OrderID = offset + 1
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var headers []*sarama.RecordHeader
	for _, h := range kafka.EventHeaders(event) {
		headers = append(headers, &h)
	}
	return &sarama.ConsumerMessage{Topic: kafka.TopicOrderEvents, Partition: partition, Offset: offset, Value: raw, Headers: headers}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseList(" broker-1:9092, ,broker-2:9092 "))
	assert.Empty(t, parseList(""))
}

func TestReadConfig_FromFlags(t *testing.T) {
	cfg, err := readConfig([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-types=order.placed, order.canceled",
		"-user=2",
		"-target-topic=oms.order.events.replay",
		"-limit=10",
		"-from-newest=true",
		"-idle-timeout=3s",
	})
	require.NoError(t, err)

	assert.Len(t, cfg.brokers, 2)
	assert.Equal(t, kafka.TopicOrderEvents, cfg.sourceTopic)
	assert.True(t, cfg.replay)
	assert.Equal(t, int64(2), cfg.userID)
	assert.Equal(t, 10, cfg.limit)
	assert.True(t, cfg.fromNewest)
	assert.Equal(t, 3*time.Second, cfg.idleTimeout)
	assert.Len(t, cfg.types, 2)
}

func TestReadConfig_BrokersFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "env-broker:9092")

	cfg, err := readConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"env-broker:9092"}, cfg.brokers)
	assert.False(t, cfg.replay)
	assert.Empty(t, cfg.types)
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=b:9092", "-topic="}, "topic is required"},
		{[]string{"-brokers=b:9092", "-target-topic=" + kafka.TopicOrderEvents}, "must differ"},
		{[]string{"-brokers=b:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=b:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
		{[]string{"-brokers=b:9092", "-user=-1"}, "user must be >= 0"},
		{[]string{"-brokers=b:9092", "-types=order.shipped"}, "unknown event type"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			_, err := readConfig(tc.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfigMatches(t *testing.T) {
	cfg := config{}
	assert.True(t, cfg.matches(domain.NewEvent(domain.EventUserCreated, 1)))

	cfg = config{types: map[domain.EventType]struct{}{domain.EventOrderPlaced: {}}, userID: 2}
	assert.True(t, cfg.matches(domain.NewEvent(domain.EventOrderPlaced, 2)))
	assert.False(t, cfg.matches(domain.NewEvent(domain.EventOrderPlaced, 3)))
	assert.False(t, cfg.matches(domain.NewEvent(domain.EventOrderCanceled, 2)))
}

func TestConfigSkipsByHeader(t *testing.T) {
	placed := eventMessage(t, 0, 0, domain.EventOrderPlaced, 1)
	bare := &sarama.ConsumerMessage{Value: placed.Value}

	assert.False(t, config{}.skipsByHeader(placed))

	onlyCanceled := config{types: map[domain.EventType]struct{}{domain.EventOrderCanceled: {}}}
	assert.True(t, onlyCanceled.skipsByHeader(placed))
	assert.False(t, onlyCanceled.skipsByHeader(bare), "without headers the decoded event decides")

	onlyPlaced := config{types: map[domain.EventType]struct{}{domain.EventOrderPlaced: {}}}
	assert.False(t, onlyPlaced.skipsByHeader(placed))
}

func TestProcessPartition_HeaderFilterSkipsDecoding(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{
			eventMessage(t, 0, 0, domain.EventUserCreated, 2),
			eventMessage(t, 0, 1, domain.EventOrderPlaced, 2),
		}),
	}}

	var out bytes.Buffer
	s := &scanner{
		cfg: config{
			sourceTopic: kafka.TopicOrderEvents,
			types:       map[domain.EventType]struct{}{domain.EventOrderPlaced: {}},
			idleTimeout: 20 * time.Millisecond,
		},
		client:   client,
		consumer: consumer,
		out:      &out,
	}

	stats, err := s.processPartition(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, partitionStats{processed: 2, matched: 1}, stats)
	assert.Contains(t, out.String(), string(domain.EventOrderPlaced))
	assert.NotContains(t, out.String(), string(domain.EventUserCreated))
}

func TestDecodeEvent(t *testing.T) {
	raw, err := json.Marshal(domain.NewEvent(domain.EventProductCreated, 1))
	require.NoError(t, err)

	event, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.EventProductCreated, event.Type)

	_, err = decodeEvent([]byte(`not-json`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"event_id":"x","event_type":"order.shipped"}`))
	assert.ErrorIs(t, err, errNotAnEvent)
}

func TestProcessPartition_PrintsMatchingEvents(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{
			eventMessage(t, 0, 0, domain.EventOrderPlaced, 2),
			{Partition: 0, Offset: 1, Value: []byte(`{"foo":"bar"}`)},
			eventMessage(t, 0, 2, domain.EventOrderPlaced, 3),
		}),
	}}

	var out bytes.Buffer
	s := &scanner{
		cfg:      config{sourceTopic: kafka.TopicOrderEvents, userID: 2, idleTimeout: 20 * time.Millisecond},
		client:   client,
		consumer: consumer,
		out:      &out,
	}

	stats, err := s.processPartition(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, partitionStats{processed: 3, matched: 1, skipped: 1}, stats)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var printed printedEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &printed))
	assert.Equal(t, int64(0), printed.Offset)
	assert.Equal(t, int64(2), printed.UserID)
	assert.Equal(t, domain.EventOrderPlaced, printed.Type)
}

func TestProcessPartition_FromNewestStartOffset(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 5, newest: 50}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(nil),
	}}
	s := &scanner{
		cfg:      config{sourceTopic: kafka.TopicOrderEvents, fromNewest: true, idleTimeout: 20 * time.Millisecond},
		client:   client,
		consumer: consumer,
		out:      &bytes.Buffer{},
	}

	_, err := s.processPartition(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int64(40), consumer.calls[0].offset)
}

func TestProcessPartition_ReplaysToTargetTopic(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "oms.order.events.replay" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "7" {
			return fmt.Errorf("unexpected key %s", key)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == kafka.HeaderReplayedFrom && string(h.Value) == "oms.order.events/0/0" {
				return nil
			}
		}
		return errors.New("replayed-from header is missing")
	})

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{eventMessage(t, 0, 0, domain.EventOrderCanceled, 7)}),
	}}
	s := &scanner{
		cfg: config{
			sourceTopic: kafka.TopicOrderEvents,
			targetTopic: "oms.order.events.replay",
			replay:      true,
			idleTimeout: 20 * time.Millisecond,
		},
		client:   client,
		consumer: consumer,
		producer: kafka.NewProducerWithSyncProducer(mockProducer, nil),
		out:      &bytes.Buffer{},
	}

	stats, err := s.processPartition(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.matched)
	require.NoError(t, mockProducer.Close())
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicOrderEvents, idleTimeout: 20 * time.Millisecond}

	s := &scanner{cfg: cfg, client: &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}, consumer: &stubPartitionConsumerSource{}, out: &bytes.Buffer{}}
	_, err := s.processPartition(context.Background(), 0, 1)
	assert.Error(t, err)

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	s = &scanner{cfg: cfg, client: client, consumer: &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, out: &bytes.Buffer{}}
	_, err = s.processPartition(context.Background(), 0, 1)
	assert.Error(t, err)

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	s = &scanner{cfg: cfg, client: client, consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}, out: &bytes.Buffer{}}
	_, err = s.processPartition(context.Background(), 0, 1)
	assert.ErrorContains(t, err, "consumer boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	s = &scanner{cfg: cfg, client: client, consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}, out: &bytes.Buffer{}}
	_, err = s.processPartition(ctx, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessPartition_IdleTimeout(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	s := &scanner{
		cfg:      config{sourceTopic: kafka.TopicOrderEvents, idleTimeout: 10 * time.Millisecond},
		client:   client,
		consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}},
		out:      &bytes.Buffer{},
	}

	stats, err := s.processPartition(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)
	assert.True(t, idle.closed)
}

func TestScan(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicOrderEvents, limit: 1, idleTimeout: 20 * time.Millisecond}

	assert.Error(t, (&scanner{cfg: cfg}).scan(context.Background()))

	replayCfg := cfg
	replayCfg.replay = true
	assert.Error(t, (&scanner{cfg: replayCfg, client: &stubOffsetClient{}, consumer: &stubPartitionConsumerSource{}}).scan(context.Background()))

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 1},
			2: {oldest: 0, newest: 1},
		},
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{eventMessage(t, 0, 0, domain.EventUserCreated, 1)}),
		2: closedPartitionConsumer([]*sarama.ConsumerMessage{eventMessage(t, 2, 0, domain.EventUserCreated, 2)}),
	}}

	var out bytes.Buffer
	require.NoError(t, (&scanner{cfg: cfg, client: client, consumer: consumer, out: &out}).scan(context.Background()))
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int32(0), consumer.calls[0].partition)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))

	emptyClient := &stubOffsetClient{}
	assert.NoError(t, (&scanner{cfg: cfg, client: emptyClient, consumer: consumer, out: &out}).scan(context.Background()))

	failingClient := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	assert.Error(t, (&scanner{cfg: cfg, client: failingClient, consumer: consumer, out: &out}).scan(context.Background()))
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newScanDependencies
	defer func() { newScanDependencies = oldDeps }()

	cfg := config{sourceTopic: kafka.TopicOrderEvents, limit: 1, idleTimeout: 20 * time.Millisecond}

	newScanDependencies = func(config) (offsetClient, partitionConsumerSource, *kafka.Producer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	assert.ErrorContains(t, run(context.Background(), cfg, &bytes.Buffer{}), "deps failed")

	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 1}},
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{eventMessage(t, 0, 0, domain.EventOrderPlaced, 2)}),
	}}
	newScanDependencies = func(config) (offsetClient, partitionConsumerSource, *kafka.Producer, error) {
		return client, consumer, nil, nil
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), `"event_type":"order.placed"`)
	assert.True(t, client.closed)
	assert.True(t, consumer.closed)
}

func TestFailExits(t *testing.T) {
	if os.Getenv("ORDER_EVENTS_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "ORDER_EVENTS_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode())
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}
