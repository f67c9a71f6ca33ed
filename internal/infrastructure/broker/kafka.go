package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	kafkaFlushBytes     = 16384
	kafkaFlushFrequency = 10 * time.Millisecond
	defaultClientID     = "trade-bridge"
)

// KafkaConfig describes the Kafka cluster and topic.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Retries  int
	ClientID string
	// Sync builds a producer that waits for every ack.
	Sync bool
}

// NewProducerConfig returns the sarama settings used by the bridge: ack from all
// in-sync replicas, bounded retries, hash partitioning on the key and small linger.
func NewProducerConfig(cfg KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = cfg.ClientID
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = cfg.Retries
	c.Producer.Partitioner = sarama.NewHashPartitioner
	c.Producer.Flush.Bytes = kafkaFlushBytes
	c.Producer.Flush.Frequency = kafkaFlushFrequency
	c.Producer.Return.Errors = true
	c.Producer.Return.Successes = cfg.Sync
	return c
}

// KafkaProducer publishes through a sarama sync or async producer.
type KafkaProducer struct {
	topic  string
	sync   sarama.SyncProducer
	async  sarama.AsyncProducer
	opts   ProducerOptions
	logger *logrus.Entry

	mu       sync.RWMutex
	closed   bool
	errsDone chan struct{}
}

// NewKafkaProducer connects to the cluster.
func NewKafkaProducer(cfg KafkaConfig, opts ProducerOptions) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	saramaCfg := NewProducerConfig(cfg)
	if cfg.Sync {
		producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to kafka: %w", err)
		}
		return NewKafkaSyncProducer(producer, cfg.Topic, opts), nil
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	return NewKafkaAsyncProducer(producer, cfg.Topic, opts), nil
}

// NewKafkaSyncProducer wraps an existing sync producer.
func NewKafkaSyncProducer(producer sarama.SyncProducer, topic string, opts ProducerOptions) *KafkaProducer {
	return &KafkaProducer{
		topic:  topic,
		sync:   producer,
		opts:   opts,
		logger: opts.entry("kafka_producer"),
	}
}

// NewKafkaAsyncProducer wraps an existing async producer and starts reporting its errors.
func NewKafkaAsyncProducer(producer sarama.AsyncProducer, topic string, opts ProducerOptions) *KafkaProducer {
	p := &KafkaProducer{
		topic:    topic,
		async:    producer,
		opts:     opts,
		logger:   opts.entry("kafka_producer"),
		errsDone: make(chan struct{}),
	}
	go p.reportErrors()
	return p
}

// Send waits for the broker ack. An async-only producer cannot do that.
func (p *KafkaProducer) Send(ctx context.Context, msg Message) error {
	if p.sync == nil {
		return errors.New("kafka producer is asynchronous")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("kafka producer is closed")
	}
	_, _, err := p.sync.SendMessage(p.producerMessage(msg))
	return err
}

// Enqueue hands the record to the async producer buffer. With a sync producer it
// behaves like Send.
func (p *KafkaProducer) Enqueue(ctx context.Context, msg Message) error {
	if p.async == nil {
		return p.Send(ctx, msg)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("kafka producer is closed")
	}
	select {
	case p.async.Input() <- p.producerMessage(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the producer down. sarama always flushes buffered records on close;
// drain decides whether Close waits for that flush (bounded by ctx) or returns at once.
func (p *KafkaProducer) Close(ctx context.Context, drain bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.sync != nil {
		return p.sync.Close()
	}

	p.async.AsyncClose()
	if !drain {
		return nil
	}
	select {
	case <-p.errsDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka producer drain: %w", ctx.Err())
	}
}

func (p *KafkaProducer) producerMessage(msg Message) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(msg.ID)},
		},
		Metadata: msg,
	}
}

// reportErrors ends when the producer has flushed and closed its error channel.
func (p *KafkaProducer) reportErrors() {
	defer close(p.errsDone)
	for perr := range p.async.Errors() {
		msg, _ := perr.Msg.Metadata.(Message)
		p.logger.WithError(perr.Err).WithField("key", msg.Key).Debug("async delivery error")
		p.opts.failed(msg, perr.Err)
	}
}

// KafkaConsumerConfig describes the consumer group.
type KafkaConsumerConfig struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
	Batch    BatchConfig
}

// NewConsumerConfig returns the sarama consumer group settings.
func NewConsumerConfig(clientID string) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = clientID
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetNewest
	c.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	return c
}

// KafkaConsumer feeds batches of consumed trades to a handler. Each claimed
// partition has its own batch buffer; offsets are marked after the batch is handled.
type KafkaConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	batch  BatchConfig
	sink   *batchSink
	logger *logrus.Entry
}

// NewKafkaConsumer joins the consumer group.
func NewKafkaConsumer(cfg KafkaConsumerConfig, handler BatchHandler, logger *logrus.Logger, opts ...SinkOption) (*KafkaConsumer, error) {
	if cfg.Group == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, NewConsumerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", cfg.Group, err)
	}
	return NewKafkaConsumerFromGroup(group, cfg.Topic, cfg.Batch, handler, logger, opts...), nil
}

// NewKafkaConsumerFromGroup wraps an existing consumer group.
func NewKafkaConsumerFromGroup(group sarama.ConsumerGroup, topic string, batch BatchConfig, handler BatchHandler, logger *logrus.Logger, opts ...SinkOption) *KafkaConsumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "kafka_consumer")
	return &KafkaConsumer{
		group:  group,
		topic:  topic,
		batch:  batch,
		sink:   newBatchSink(handler, entry, opts...),
		logger: entry,
	}
}

// Run consumes until ctx is cancelled, rejoining after every rebalance.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topic", c.topic).Info("kafka consumer started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", c.topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group.
func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

func (c *KafkaConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	c.logger.WithField("generation", sess.GenerationID()).Debug("consumer group session started")
	return nil
}

func (c *KafkaConsumer) Cleanup(sess sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches one partition. Pending records are flushed and marked
// before the claim is released.
func (c *KafkaConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := c.logger.WithFields(logrus.Fields{
		"topic":     claim.Topic(),
		"partition": claim.Partition(),
	})
	// After an interrupted batch nothing later may be marked, or its offsets would be skipped.
	interrupted := false
	buf := newBatchBuffer(c.batch, func(ctx context.Context, batch []*sarama.ConsumerMessage) error {
		if interrupted {
			return nil
		}
		bodies := make([][]byte, len(batch))
		for i, msg := range batch {
			bodies[i] = msg.Value
		}
		if err := c.sink.process(ctx, bodies); err != nil {
			interrupted = true
			return fmt.Errorf("offsets from %d left unmarked: %w", batch[0].Offset, err)
		}
		sess.MarkMessage(batch[len(batch)-1], "")
		return nil
	}, log)
	buf.setContext(sess.Context())
	defer func() {
		if err := buf.drain(context.Background()); err != nil {
			log.WithError(err).Warn("final batch flush failed")
		}
	}()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := buf.enqueue(msg); err != nil {
				log.WithError(err).Warn("enqueue consumed record")
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
