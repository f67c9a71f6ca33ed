package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var (
	errProducerClosed   = errors.New("rabbitmq producer is closed")
	errBatchInterrupted = errors.New("earlier batch was interrupted")
)

// RabbitConfig describes the AMQP side: a durable topic exchange where the
// routing key is the trade symbol.
type RabbitConfig struct {
	URL      string
	Exchange string
	Retries  int
	// Confirm enables publisher confirms; required for synchronous sends.
	Confirm bool
}

// RabbitProducer publishes persistent messages to a topic exchange.
type RabbitProducer struct {
	cfg    RabbitConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	opts   ProducerOptions
	logger *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewRabbitProducer dials the broker and declares the exchange.
func NewRabbitProducer(cfg RabbitConfig, opts ProducerOptions) (*RabbitProducer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}

	p := &RabbitProducer{
		cfg:    cfg,
		conn:   conn,
		ch:     ch,
		opts:   opts,
		logger: opts.entry("rabbitmq_producer"),
	}
	go p.watchReturns(ch.NotifyReturn(make(chan amqp.Return, 16)))
	return p, nil
}

// Send publishes and waits for the broker confirm, retrying up to Retries times.
func (p *RabbitProducer) Send(ctx context.Context, msg Message) error {
	if !p.cfg.Confirm {
		return errors.New("rabbitmq producer has no publisher confirms")
	}
	return withRetries(ctx, p.cfg.Retries, p.logger, func() error {
		return p.publishConfirmed(ctx, msg)
	})
}

// withRetries runs publish once plus up to retries more times. Cancellation and a
// closed producer end it early.
func withRetries(ctx context.Context, retries int, logger *logrus.Entry, publish func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			logger.WithError(err).WithField("attempt", attempt).Debug("retrying publish")
		}
		if err = publish(); err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, errProducerClosed) {
			return err
		}
	}
	return err
}

// Enqueue writes the message to the channel without waiting for a confirm, retrying
// failed writes up to Retries times.
func (p *RabbitProducer) Enqueue(ctx context.Context, msg Message) error {
	return withRetries(ctx, p.cfg.Retries, p.logger, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return errProducerClosed
		}
		return p.ch.PublishWithContext(ctx, p.cfg.Exchange, msg.Key, false, false, p.publishing(msg))
	})
}

// Close releases the channel and connection. Publishes are written synchronously,
// so there is nothing buffered to drain.
func (p *RabbitProducer) Close(ctx context.Context, drain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.ch.Close(), p.conn.Close())
}

func (p *RabbitProducer) publishConfirmed(ctx context.Context, msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errProducerClosed
	}
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, msg.Key, true, false, p.publishing(msg))
	p.mu.Unlock()
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.ID)
	}
	return nil
}

func (p *RabbitProducer) publishing(msg Message) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{HeaderMessageID: msg.ID},
		Body:         msg.Value,
	}
}

// watchReturns reports mandatory messages that no queue accepted.
func (p *RabbitProducer) watchReturns(returns <-chan amqp.Return) {
	for ret := range returns {
		msg := Message{ID: ret.MessageId, Key: ret.RoutingKey, Value: ret.Body}
		p.opts.failed(msg, fmt.Errorf("returned by broker: %d %s", ret.ReplyCode, ret.ReplyText))
	}
}

// RabbitConsumerConfig describes the queue the aggregation service reads.
type RabbitConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Batch    BatchConfig
}

// RabbitConsumer binds a durable queue to every symbol on the topic exchange and
// forwards deliveries to the handler in batches.
type RabbitConsumer struct {
	cfg    RabbitConsumerConfig
	sink   *batchSink
	logger *logrus.Entry

	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
	buf  *batchBuffer[amqp.Delivery]

	// set by flush, which the buffer serializes
	interrupted bool
}

// NewRabbitConsumer prepares a consumer for the given configuration.
func NewRabbitConsumer(cfg RabbitConsumerConfig, handler BatchHandler, logger *logrus.Logger, opts ...SinkOption) (*RabbitConsumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "rabbitmq_consumer")
	c := &RabbitConsumer{
		cfg:    cfg,
		sink:   newBatchSink(handler, entry, opts...),
		logger: entry,
	}
	c.buf = newBatchBuffer(cfg.Batch, c.flush, entry)
	return c, nil
}

// Start establishes the AMQP connection and begins consuming.
func (c *RabbitConsumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn
	c.buf.setContext(ctx)

	ch, err := conn.Channel()
	if err != nil {
		c.Close(ctx)
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch
	deliveries, err := c.declare(ch)
	if err != nil {
		c.Close(ctx)
		return err
	}

	c.wg.Add(1)
	go c.consumeLoop(ctx, deliveries)
	c.logger.WithFields(logrus.Fields{
		"exchange": c.cfg.Exchange,
		"queue":    c.cfg.Queue,
	}).Info("rabbitmq consumer started")
	return nil
}

// Close stops consumption, flushes the pending batch and releases resources.
func (c *RabbitConsumer) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if c.ch != nil {
		// Cancel first so the loop exits and the final batch can still be acked.
		if err := c.ch.Cancel(c.consumerTag(), false); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	if err := c.buf.drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return errors.Join(errs...)
}

func (c *RabbitConsumer) declare(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	queue, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(queue.Name, "#", c.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue.Name, c.cfg.Exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, c.consumerTag(), false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consume on %s: %w", queue.Name, err)
	}
	return deliveries, nil
}

func (c *RabbitConsumer) consumerTag() string {
	return c.cfg.Queue + "-consumer"
}

func (c *RabbitConsumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.buf.enqueue(delivery); err != nil {
				c.logger.WithError(err).Warn("failed to buffer delivery")
				_ = delivery.Nack(false, true)
			}
		}
	}
}

// flush hands the batch to the sink, then acks everything up to its last delivery.
// An interrupted batch, and every batch after it, is requeued instead so the
// redelivered trades keep their order.
func (c *RabbitConsumer) flush(ctx context.Context, batch []amqp.Delivery) error {
	last := batch[len(batch)-1]
	if c.interrupted {
		return c.requeue(last, errBatchInterrupted)
	}
	bodies := make([][]byte, len(batch))
	for i := range batch {
		bodies[i] = batch[i].Body
	}
	if err := c.sink.process(ctx, bodies); err != nil {
		c.interrupted = true
		return c.requeue(last, err)
	}
	if err := last.Ack(true); err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}
	return nil
}

func (c *RabbitConsumer) requeue(last amqp.Delivery, cause error) error {
	if err := last.Nack(true, true); err != nil {
		return errors.Join(cause, fmt.Errorf("requeue batch: %w", err))
	}
	return cause
}
