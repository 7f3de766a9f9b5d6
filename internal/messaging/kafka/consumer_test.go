package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGroup — consumer group без брокера: Consume вызывает consumeFn.
type fakeGroup struct {
	consumeFn func(ctx context.Context) error
	errs      chan error
	closeErr  error
	closed    atomic.Bool
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consumeFn != nil {
		return g.consumeFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		close(g.errs)
	}
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func (c *fakeClaim) Topic() string                            { return TopicOrderEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func quietEntry() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func retried(n string) []*sarama.RecordHeader {
	return []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(n)}}
}

func testConsumer(handler MessageHandler, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithConsumerLogger(quietEntry()), WithRetryDelay(0)}, opts...)
	return newConsumer(newFakeGroup(), []string{TopicOrderEvents}, handler, opts...)
}

func TestNewConsumer_Errors(t *testing.T) {
	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }

	_, err := NewConsumer([]string{"localhost:9092"}, "group", []string{"topic"}, nil)
	assert.ErrorIs(t, err, errHandlerRequired)

	_, err = NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, noop, WithMaxRetries(5))
	assert.Error(t, err)
}

func TestConsumerOptions(t *testing.T) {
	producer, _ := testProducer(t)
	logger := quietEntry()

	c := newConsumer(newFakeGroup(), nil, nil,
		WithDLQ(producer, "kitchen.dlq"), WithMaxRetries(7), WithRetryDelay(time.Second), WithConsumerLogger(logger), nil)
	assert.Same(t, producer, c.dlq)
	assert.Equal(t, "kitchen.dlq", c.dlqTopic)
	assert.Equal(t, 7, c.maxRetries)
	assert.Equal(t, time.Second, c.retryDelay)
	assert.Same(t, logger, c.logger)

	defaults := newConsumer(newFakeGroup(), nil, nil, WithDLQ(producer, ""), WithMaxRetries(0), WithRetryDelay(-1))
	assert.Equal(t, TopicDeadLetterQueue, defaults.dlqTopic)
	assert.Equal(t, defaultMaxRetries, defaults.maxRetries)
	assert.Equal(t, defaultRetryDelay, defaults.retryDelay)
}

func TestConsumer_RunUntilCancel(t *testing.T) {
	group := newFakeGroup()
	var sessions atomic.Int32
	group.consumeFn = func(ctx context.Context) error {
		if sessions.Add(1) == 1 {
			return errors.New("rebalance in progress")
		}
		<-ctx.Done()
		return nil
	}
	group.errs <- errors.New("broker hiccup")
	c := newConsumer(group, []string{TopicOrderEvents}, func(context.Context, *sarama.ConsumerMessage) error { return nil },
		WithConsumerLogger(quietEntry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, time.Second, 5*time.Millisecond,
		"после ошибки Consume вызывается снова")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run не завершился после отмены")
	}
	assert.True(t, group.closed.Load())
}

func TestConsumer_RunReportsCloseError(t *testing.T) {
	group := newFakeGroup()
	group.closeErr = errors.New("close failed")
	c := newConsumer(group, nil, func(context.Context, *sarama.ConsumerMessage) error { return nil },
		WithConsumerLogger(quietEntry()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorContains(t, c.Run(ctx), "close failed")
}

func TestConsumeClaim_MarksOnlyHandledMessages(t *testing.T) {
	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if string(msg.Value) == "bad" {
			return errors.New("unreadable")
		}
		return nil
	}, WithMaxRetries(1))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 1, Value: []byte("ok")},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 2, Value: []byte("bad")},
		&sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 3, Value: []byte("ok")},
	)

	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1, 3}, session.marked)
}

func TestConsumeClaim_StopsOnSessionDone(t *testing.T) {
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = c.ConsumeClaim(session, claim)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim не вернулся после отмены сессии")
	}
}

func TestConsumer_Process(t *testing.T) {
	permanent := errors.New("permanent")

	tests := []struct {
		name      string
		headers   []*sarama.RecordHeader
		failUntil int
		dlq       func(t *testing.T) *Producer
		wantCalls int
		wantErr   bool
	}{
		{name: "success on first attempt", failUntil: 0, wantCalls: 1},
		{name: "recovers on retry", failUntil: 2, wantCalls: 3},
		{name: "continues from retry header", headers: retried("1"), failUntil: 100, wantCalls: 2, wantErr: true},
		{name: "exhausted without dlq", headers: retried("3"), failUntil: 100, wantCalls: 1, wantErr: true},
		{
			name: "exhausted with dlq", headers: retried("3"), failUntil: 100, wantCalls: 1,
			dlq: func(t *testing.T) *Producer {
				p, sync := testProducer(t)
				sync.ExpectSendMessageAndSucceed()
				return p
			},
		},
		{
			name: "dlq publish fails", headers: retried("3"), failUntil: 100, wantCalls: 1, wantErr: true,
			dlq: func(t *testing.T) *Producer {
				p, sync := testProducer(t)
				sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				return p
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			handler := func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				if calls <= tt.failUntil {
					return permanent
				}
				return nil
			}
			opts := []ConsumerOption{WithMaxRetries(3)}
			if tt.dlq != nil {
				opts = append(opts, WithDLQ(tt.dlq(t), ""))
			}
			c := testConsumer(handler, opts...)

			msg := &sarama.ConsumerMessage{Topic: TopicOrderEvents, Key: []byte("order-1"), Value: []byte("{}"), Headers: tt.headers}
			err := c.process(context.Background(), msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestConsumer_ProcessStopsBackoffOnCancel(t *testing.T) {
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("temporary") },
		WithRetryDelay(time.Hour), WithMaxRetries(5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.process(ctx, &sarama.ConsumerMessage{Topic: TopicOrderEvents})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 5, retryCount(&sarama.ConsumerMessage{Headers: retried("5")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: retried("bad")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: retried("-2")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{nil}}))
}

func TestConsumer_SendToDLQ(t *testing.T) {
	producer, sync := testProducer(t)
	failedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := testConsumer(nil, WithDLQ(producer, "kitchen.dlq"))
	c.now = func() time.Time { return failedAt }

	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "kitchen.dlq", msg.Topic)
		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		assert.Equal(t, TopicOrderEvents, headers[HeaderOriginalTopic])
		assert.Equal(t, "3", headers[HeaderRetryCount])
		assert.Equal(t, "boom", headers[HeaderErrorMessage])

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var letter DeadLetter
		require.NoError(t, json.Unmarshal(value, &letter))
		assert.Equal(t, DeadLetter{
			OriginalTopic:     TopicOrderEvents,
			OriginalPartition: 1,
			OriginalOffset:    42,
			OriginalKey:       "k",
			OriginalValue:     "v",
			Error:             "boom",
			FailedAt:          failedAt,
			RetryCount:        3,
		}, letter)
		return nil
	})

	msg := &sarama.ConsumerMessage{Topic: TopicOrderEvents, Partition: 1, Offset: 42, Key: []byte("k"), Value: []byte("v")}
	require.NoError(t, c.sendToDLQ(context.Background(), msg, 3, errors.New("boom")))
}
