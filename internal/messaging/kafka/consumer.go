package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

var errHandlerRequired = errors.New("kafka consumer handler is required")

// MessageHandler обрабатывает одно сообщение. Ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ перекладывает необработанные сообщения в topic после исчерпания попыток.
// Пустой topic означает TopicDeadLetterQueue.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		if topic == "" {
			topic = TopicDeadLetterQueue
		}
		c.dlq = producer
		c.dlqTopic = topic
	}
}

// WithMaxRetries задаёт общее число попыток, включая сделанные до переигрывания.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт базовую паузу; n-я повторная попытка ждёт n*d.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithConsumerLogger подменяет logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает topics в составе consumer group.
// Offset фиксируется только после успешной обработки или переноса в DLQ.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	dlq        *Producer
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// NewConsumer подключается к brokers как участник groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, errHandlerRequired
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run читает сообщения до отмены ctx, затем закрывает группу.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithField("topics", c.topics).Info("kafka consumer started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Consume возвращается при каждом rebalance
		for gctx.Err() == nil {
			if err := c.group.Consume(gctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("consume failed")
			}
		}
		return nil
	})
	g.Go(func() error {
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := c.group.Close(); err != nil {
			return fmt.Errorf("failed to close kafka consumer: %w", err)
		}
		return nil
	})

	err := g.Wait()
	c.logger.Info("kafka consumer stopped")
	return err
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной partition по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			logger := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.process(ctx, message); err != nil {
				// без MarkMessage сообщение перечитает следующий владелец partition
				logger.WithError(err).Error("message left unprocessed")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process повторяет обработку до maxRetries попыток и затем переносит сообщение в DLQ.
// Счёт попыток продолжается с заголовка x-retry-count.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempts := retryCount(message)
	var err error
	for {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		attempts++
		if attempts >= c.maxRetries {
			break
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":    message.Topic,
			"attempt":  attempts,
			"attempts": c.maxRetries,
		}).Warn("handler failed, retrying")
		if waitErr := c.backoff(ctx, attempts); waitErr != nil {
			return waitErr
		}
	}

	if c.dlq == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(ctx, message, attempts, err); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"dlq_topic": c.dlqTopic,
		"attempts":  attempts,
	}).Info("message moved to DLQ")
	return nil
}

func (c *Consumer) backoff(ctx context.Context, attempt int) error {
	if c.retryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryCount читает x-retry-count; отсутствие или мусор дают 0.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// DeadLetter — сообщение, которое не удалось обработать.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, attempts int, cause error) error {
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Error:             cause.Error(),
		FailedAt:          c.now(),
		RetryCount:        attempts,
	}
	return c.dlq.PublishEvent(ctx, c.dlqTopic, letter.OriginalKey, letter,
		header(HeaderOriginalTopic, letter.OriginalTopic),
		header(HeaderErrorMessage, letter.Error),
		header(HeaderFailedAt, letter.FailedAt.Format(time.RFC3339)),
		header(HeaderRetryCount, strconv.Itoa(letter.RetryCount)),
	)
}

func header(key, value string) sarama.RecordHeader {
	return sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}
