package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim

	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, off := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: "payment_events", Partition: 0, Offset: off}
	}
	close(ch)

	return &fakeClaim{messages: ch}
}

func testGroup(handler HandlerFunc) *ConsumerGroup {
	c := NewConsumerGroup(nil, "test", []string{"payment_events"}, handler, zap.NewNop())
	c.handleAttempts = 3
	c.handleBackoff = time.Millisecond
	c.consumeBackoff = 20 * time.Millisecond

	return c
}

func TestConsumeClaim_RetriesTransientFailureBeforeMarking(t *testing.T) {
	var calls sync.Map
	handler := func(_ context.Context, msg *sarama.ConsumerMessage) error {
		n, _ := calls.LoadOrStore(msg.Offset, new(atomic.Int32))
		if n.(*atomic.Int32).Add(1) == 1 && msg.Offset == 10 {
			return errors.New("database is restarting")
		}
		return nil
	}

	session := &fakeSession{ctx: context.Background()}
	h := testGroup(handler).newHandler()

	require.NoError(t, h.ConsumeClaim(session, newClaim(10, 11)))
	assert.Equal(t, []int64{10, 11}, session.markedOffsets())

	first, _ := calls.Load(int64(10))
	assert.EqualValues(t, 2, first.(*atomic.Int32).Load())
}

func TestConsumeClaim_PersistentFailureStopsBeforeLaterOffsets(t *testing.T) {
	handler := func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == 11 {
			return errors.New("database is down")
		}
		return nil
	}

	session := &fakeSession{ctx: context.Background()}
	h := testGroup(handler).newHandler()

	err := h.ConsumeClaim(session, newClaim(10, 11, 12))
	require.ErrorContains(t, err, "database is down")
	assert.Equal(t, []int64{10}, session.markedOffsets())
}

func TestConsumeClaim_CancelledSessionStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	handler := func(context.Context, *sarama.ConsumerMessage) error {
		calls.Add(1)
		cancel()
		return errors.New("shutting down")
	}

	session := &fakeSession{ctx: ctx}
	c := testGroup(handler)
	c.handleBackoff = time.Minute

	require.NoError(t, c.newHandler().ConsumeClaim(session, newClaim(10)))
	assert.Empty(t, session.markedOffsets())
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoop_BacksOffAfterConsumeError(t *testing.T) {
	c := testGroup(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	err := c.loop(ctx, func() error {
		calls.Add(1)
		return errors.New("brokers unreachable")
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(6))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestLoop_ReturnsWhenContextCancelledDuringBackoff(t *testing.T) {
	c := testGroup(nil)
	c.consumeBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.loop(ctx, func() error { return errors.New("brokers unreachable") })
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}
