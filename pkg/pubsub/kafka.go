package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
)

const (
	headerKind   = "event-kind"
	headerOrigin = "event-origin"
)

// KafkaBus publishes every room onto one topic keyed by room id, so a
// room's events share a partition and stay ordered.
type KafkaBus struct {
	producer *kafka.Producer
	cfg      KafkaConfig

	mu        sync.Mutex
	consumers []*kafka.Consumer
	wg        sync.WaitGroup
	stop      chan struct{}
	reported  chan struct{}
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "aaeconnect"
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaBus{
		producer: p,
		cfg:      cfg,
		stop:     make(chan struct{}),
		reported: make(chan struct{}),
	}
	go k.reportDeliveries()

	if err := k.ensureTopic(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure kafka topic")
	}
	return k, nil
}

func (k *KafkaBus) ensureTopic() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             k.cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return r.Error
		}
	}
	return nil
}

func (k *KafkaBus) reportDeliveries() {
	defer close(k.reported)
	l := log.L()
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Error().Err(m.TopicPartition.Error).Str(log.FieldRoomID, string(m.Key)).Msg("kafka delivery failed")
		}
	}
}

func (k *KafkaBus) Publish(_ context.Context, event *Event) error {
	msg, err := kafkaMessage(k.cfg.Topic, event)
	if err != nil {
		return err
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}
	return nil
}

// Subscribe starts a consumer in a fresh group positioned at the end of the
// topic. Events published before the call are not replayed.
func (k *KafkaBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	group := k.cfg.GroupID + "-" + uuid.NewString()
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.cfg.Brokers,
		"group.id":           group,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(k.cfg.Topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", k.cfg.Topic, err)
	}

	k.mu.Lock()
	k.consumers = append(k.consumers, c)
	k.mu.Unlock()

	l := log.L()
	l.Info().Str("topic", k.cfg.Topic).Str("group", group).Msg("kafka subscription started")

	events := make(chan *Event, 100)
	k.wg.Add(1)
	go k.consume(ctx, c, events)
	return events, nil
}

func (k *KafkaBus) consume(ctx context.Context, c *kafka.Consumer, events chan<- *Event) {
	defer k.wg.Done()
	defer close(events)
	l := log.L()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		default:
		}

		switch e := c.Poll(500).(type) {
		case *kafka.Message:
			ev, err := eventFromKafka(e)
			if err != nil {
				l.Warn().Err(err).Str("topic", k.cfg.Topic).Msg("dropping kafka event")
				continue
			}
			if !offer(ctx, events, ev) {
				return
			}
		case kafka.Error:
			l.Error().Err(e).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Close stops the consumers, then flushes and closes the producer.
func (k *KafkaBus) Close() error {
	close(k.stop)
	k.wg.Wait()

	k.mu.Lock()
	for _, c := range k.consumers {
		c.Close()
	}
	k.consumers = nil
	k.mu.Unlock()

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.reported
	return nil
}

func kafkaMessage(topic string, event *Event) (*kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RoomID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: headerKind, Value: []byte(event.Kind)},
			{Key: headerOrigin, Value: []byte(event.Origin)},
		},
	}, nil
}

// eventFromKafka decodes m. The record key is authoritative for the room.
func eventFromKafka(m *kafka.Message) (*Event, error) {
	ev, err := decodeEvent(m.Value)
	if err != nil {
		return nil, err
	}
	if key := string(m.Key); key != "" && key != ev.RoomID {
		return nil, fmt.Errorf("%w: key %q does not match room %q", errMalformedEvent, key, ev.RoomID)
	}
	if ev.Origin == "" {
		ev.Origin = header(m, headerOrigin)
	}
	return ev, nil
}

func header(m *kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
