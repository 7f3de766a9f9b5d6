package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bakery/internal/service/outbox"
)

const headerReplayedFrom = "x-replayed-from"

var (
	errUnknownLetter = errors.New("unknown dead letter format")
	errEmptyLetter   = errors.New("dead letter has no payload")
)

// offsetSource отдаёт границы partition; ему удовлетворяет sarama.Client.
type offsetSource interface {
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

// sender публикует сообщение; ему удовлетворяет sarama.SyncProducer.
type sender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// result — итог прогона.
type result struct {
	Scanned  int
	Replayed int
	Skipped  int
}

func (r result) String(execute bool) string {
	verb := "would be replayed"
	if execute {
		verb = "replayed"
	}
	return fmt.Sprintf("scanned %d, %s %d, skipped %d", r.Scanned, verb, r.Replayed, r.Skipped)
}

type replayer struct {
	consumer sarama.Consumer
	offsets  offsetSource
	sender   sender // nil: пробный прогон
	cfg      config
	logger   *log.Entry
	now      func() time.Time
}

func newReplayer(consumer sarama.Consumer, offsets offsetSource, cfg config, logger *log.Entry) *replayer {
	return &replayer{
		consumer: consumer,
		offsets:  offsets,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run читает source topic от начала до текущего конца каждой partition.
func (r *replayer) Run(ctx context.Context) (result, error) {
	partitions, err := r.consumer.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return result{}, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var res result
	for _, partition := range partitions {
		if r.limitReached(res) {
			break
		}
		if err := r.replayPartition(ctx, partition, &res); err != nil {
			return res, err
		}
	}
	r.logger.WithFields(log.Fields{
		"scanned":  res.Scanned,
		"replayed": res.Replayed,
		"skipped":  res.Skipped,
	}).Info("dlq replay finished")
	return res, nil
}

func (r *replayer) limitReached(res result) bool {
	return r.cfg.limit > 0 && res.Scanned >= r.cfg.limit
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, res *result) error {
	topic := r.cfg.sourceTopic
	oldest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset %s/%d: %w", topic, partition, err)
	}
	newest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("newest offset %s/%d: %w", topic, partition, err)
	}
	if newest <= oldest {
		return nil
	}

	pc, err := r.consumer.ConsumePartition(topic, partition, oldest)
	if err != nil {
		return fmt.Errorf("consume %s/%d: %w", topic, partition, err)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			r.logger.WithError(err).WithField("partition", partition).Warn("partition consumer closed with errors")
		}
	}()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	errs := pc.Errors()
	for !r.limitReached(*res) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition idle, stopping before end offset")
			return nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("read %s/%d: %w", topic, partition, cerr.Err)
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			res.Scanned++
			if err := r.handle(msg); err != nil {
				if errors.Is(err, errUnknownLetter) || errors.Is(err, errEmptyLetter) {
					res.Skipped++
				} else {
					return err
				}
			} else {
				res.Replayed++
			}
			if msg.Offset >= newest-1 {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)
		}
	}
	return nil
}

// handle разбирает письмо и, если включена отправка, публикует его.
// Ошибки разбора пропускают письмо, ошибка отправки прерывает прогон.
func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
	out, err := r.decode(msg)
	if err != nil {
		logger.WithError(err).Warn("dead letter skipped")
		return err
	}
	logger = logger.WithFields(log.Fields{"target": out.Topic, "key": keyString(out)})
	if r.sender == nil {
		logger.Info("dry-run: dead letter would be replayed")
		return nil
	}
	if _, _, err := r.sender.SendMessage(out); err != nil {
		return fmt.Errorf("replay offset %d to %s: %w", msg.Offset, out.Topic, err)
	}
	logger.Info("dead letter replayed")
	return nil
}

// decode распознаёт два вида писем: от consumer-а (kafka.DeadLetter)
// и от outbox-воркера (конверт с типом outbox.EventTypeDeadLetter).
func (r *replayer) decode(msg *sarama.ConsumerMessage) (*sarama.ProducerMessage, error) {
	var probe struct {
		EventType     string `json:"event_type"`
		OriginalTopic string `json:"original_topic"`
	}
	if err := json.Unmarshal(msg.Value, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownLetter, err)
	}

	var (
		out *sarama.ProducerMessage
		err error
	)
	switch {
	case probe.EventType == outbox.EventTypeDeadLetter:
		out, err = r.fromOutbox(msg.Value)
	case probe.OriginalTopic != "":
		out, err = r.fromConsumer(msg.Value)
	default:
		return nil, errUnknownLetter
	}
	if err != nil {
		return nil, err
	}
	if out.Topic == r.cfg.sourceTopic {
		return nil, fmt.Errorf("%w: target %s is the source topic", errUnknownLetter, out.Topic)
	}
	out.Headers = append(out.Headers, sarama.RecordHeader{
		Key:   []byte(headerReplayedFrom),
		Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)),
	})
	return out, nil
}

func (r *replayer) fromConsumer(value []byte) (*sarama.ProducerMessage, error) {
	var letter kafka.DeadLetter
	if err := json.Unmarshal(value, &letter); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownLetter, err)
	}
	if letter.OriginalValue == "" {
		return nil, errEmptyLetter
	}

	out := &sarama.ProducerMessage{
		Topic: r.target(letter.OriginalTopic),
		Value: sarama.StringEncoder(letter.OriginalValue),
	}
	if letter.OriginalKey != "" {
		out.Key = sarama.StringEncoder(letter.OriginalKey)
	}
	// consumer продолжает счёт попыток с этого заголовка
	retries := letter.RetryCount
	if r.cfg.resetRetries {
		retries = 0
	}
	out.Headers = []sarama.RecordHeader{{
		Key:   []byte(kafka.HeaderRetryCount),
		Value: []byte(strconv.Itoa(retries)),
	}}
	return out, nil
}

func (r *replayer) fromOutbox(value []byte) (*sarama.ProducerMessage, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownLetter, err)
	}
	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownLetter, err)
	}
	if letter.EventType == "" || len(letter.Payload) == 0 {
		return nil, errEmptyLetter
	}

	id := firstNonEmpty(letter.OutboxID, envelope.ID)
	orderID := firstNonEmpty(letter.OrderID, envelope.OrderID)
	data, err := json.Marshal(kafka.Envelope{
		ID:          id,
		OrderID:     orderID,
		EventType:   letter.EventType,
		Payload:     letter.Payload,
		PublishedAt: r.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: r.target(kafka.TopicOrderEvents),
		Key:   sarama.StringEncoder(firstNonEmpty(orderID, id)),
		Value: sarama.ByteEncoder(data),
	}, nil
}

func (r *replayer) target(fallback string) string {
	return firstNonEmpty(r.cfg.targetTopic, fallback)
}

func keyString(msg *sarama.ProducerMessage) string {
	if msg.Key == nil {
		return ""
	}
	key, err := msg.Key.Encode()
	if err != nil {
		return ""
	}
	return string(key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
