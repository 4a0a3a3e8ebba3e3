package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []ConsumerEvent
}

func (r *eventRecorder) handle(ev ConsumerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []ConsumerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConsumerEvent(nil), r.events...)
}

func TestEndToEndSendConsumeAck(t *testing.T) {
	_, tr := newTestBroker(t)
	ctx := context.Background()

	p, err := NewProducer(ctx, tr, testExchange, 10)
	require.NoError(t, err)
	defer p.Close()

	guards := newGuardQueue()
	c, err := NewConsumer(ctx, tr, testQueue, guards.handle)
	require.NoError(t, err)

	rec := &confirmRecorder{}
	require.Equal(t, Sending, p.Send(contracts.NewTextMessage("hi"), testKey, rec.callback))
	require.NoError(t, p.WaitForConfirms(ctx))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, contracts.Ack, rec.all()[0].resp.Status)

	g := guards.next(t)
	assert.Equal(t, "hi", string(g.Message().Payload()))
	assert.Equal(t, testKey, g.RoutingKey())
	assert.Equal(t, testExchange, g.Exchange())
	assert.True(t, c.IsUnresolved(g.DeliveryTag()))

	require.NoError(t, g.Ack())
	assert.False(t, c.IsUnresolved(g.DeliveryTag()))
	assert.Empty(t, c.Unresolved())
	assert.Equal(t, GuardAcked, g.State())

	require.NoError(t, c.Close(ctx))
}

func TestBlockedUntilFirstConfirm(t *testing.T) {
	_, tr := newTestBroker(t)
	ctx := context.Background()

	p, err := NewProducer(ctx, tr, testExchange, 1)
	require.NoError(t, err)
	defer p.Close()

	rec := &confirmRecorder{}
	first := p.Send(contracts.NewTextMessage("one"), testKey, rec.callback)
	require.Equal(t, Sending, first)

	status := p.Send(contracts.NewTextMessage("two"), testKey, rec.callback)
	if status == Blocked {
		require.NoError(t, p.WaitForConfirms(ctx))
		status = p.Send(contracts.NewTextMessage("two"), testKey, rec.callback)
	}
	assert.Equal(t, Sending, status)
	require.NoError(t, p.WaitForConfirms(ctx))
	assert.Equal(t, 2, rec.count())
}

func TestMessageGuard(t *testing.T) {
	t.Run("second resolution fails", func(t *testing.T) {
		_, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)
		defer closeConsumer(c)

		publishRaw(t, tr, "x")
		g := guards.next(t)

		require.NoError(t, g.Ack())
		assert.ErrorIs(t, g.Ack(), contracts.ErrAlreadyResolved)
		assert.ErrorIs(t, g.Nack(true), contracts.ErrAlreadyResolved)
		assert.ErrorIs(t, g.Reject(), contracts.ErrAlreadyResolved)

		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.Acked)
		assert.Equal(t, uint64(0), stats.Nacked)
	})

	t.Run("concurrent resolutions record exactly one", func(t *testing.T) {
		_, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)
		defer closeConsumer(c)

		publishRaw(t, tr, "x")
		g := guards.next(t)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					err = g.Ack()
				} else {
					err = g.Nack(false)
				}
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, contracts.ErrAlreadyResolved)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.Acked+stats.Nacked)
	})

	t.Run("nack with requeue redelivers", func(t *testing.T) {
		_, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)
		defer closeConsumer(c)

		publishRaw(t, tr, "x")
		first := guards.next(t)
		assert.False(t, first.Redelivered())
		require.NoError(t, first.Nack(true))

		second := guards.next(t)
		assert.True(t, second.Redelivered())
		assert.Equal(t, "x", string(second.Message().Payload()))
		require.NoError(t, second.Ack())
	})

	t.Run("reject drops the message", func(t *testing.T) {
		broker, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)
		defer closeConsumer(c)

		publishRaw(t, tr, "x")
		require.NoError(t, guards.next(t).Reject())

		guards.none(t, 30*time.Millisecond)
		assert.Equal(t, 0, broker.QueueDepth(testQueue))
		assert.Equal(t, 0, broker.Unacked(testQueue))
		assert.Equal(t, uint64(1), c.Stats().Rejected)
	})

	t.Run("resolution after the callback returned", func(t *testing.T) {
		_, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)
		defer closeConsumer(c)

		publishRaw(t, tr, "a", "b")
		a := guards.next(t)
		b := guards.next(t)

		assert.Equal(t, []uint64{a.DeliveryTag(), b.DeliveryTag()}, c.Unresolved())
		require.NoError(t, b.Ack())
		require.NoError(t, a.Ack())
		assert.Empty(t, c.Unresolved())
	})
}

func TestConsumerPrefetch(t *testing.T) {
	broker, tr := newTestBroker(t)
	guards := newGuardQueue()
	c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle, WithPrefetch(2))
	require.NoError(t, err)

	publishRaw(t, tr, "1", "2", "3", "4", "5")

	first := guards.next(t)
	guards.next(t)
	guards.none(t, 30*time.Millisecond)
	assert.Equal(t, 3, broker.QueueDepth(testQueue))

	require.NoError(t, first.Ack())
	third := guards.next(t)
	assert.Equal(t, "3", string(third.Message().Payload()))

	// deliveries 2 and 3 are still held
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Close(ctx)
	assert.ErrorIs(t, err, contracts.ErrUnacknowledgedOnShutdown)
	assert.Equal(t, 5, broker.QueueDepth(testQueue)+broker.Unacked(testQueue))
}

func TestConsumerCallbackPanic(t *testing.T) {
	_, tr := newTestBroker(t)

	var mu sync.Mutex
	calls := 0
	acked := make(chan *MessageGuard, 1)
	handler := func(g *MessageGuard) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("handler failure")
		}
		assert.NoError(t, g.Ack())
		acked <- g
	}

	c, err := NewConsumer(context.Background(), tr, testQueue, handler, WithConsumerLogger(slogDiscard()))
	require.NoError(t, err)
	defer closeConsumer(c)

	publishRaw(t, tr, "x")

	select {
	case g := <-acked:
		assert.True(t, g.Redelivered())
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered after panic")
	}
	assert.Equal(t, uint64(1), c.Stats().Nacked)
}

func TestConsumerClose(t *testing.T) {
	t.Run("reports unresolved deliveries", func(t *testing.T) {
		broker, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)

		publishRaw(t, tr, "x")
		g := guards.next(t)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = c.Close(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, contracts.ErrUnacknowledgedOnShutdown))

		var unacked *UnacknowledgedError
		require.True(t, errors.As(err, &unacked))
		assert.Equal(t, []uint64{g.DeliveryTag()}, unacked.DeliveryTags)
		assert.Equal(t, testQueue, unacked.Queue)

		assert.ErrorIs(t, g.Ack(), contracts.ErrChannelClosed)
		assert.Equal(t, GuardAbandoned, g.State())
		assert.Equal(t, 1, broker.QueueDepth(testQueue))
		assert.Equal(t, ConsumerClosed, c.State())
		assert.NoError(t, c.Close(context.Background()))
	})

	t.Run("waits for resolution", func(t *testing.T) {
		_, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)

		publishRaw(t, tr, "x")
		g := guards.next(t)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = g.Ack()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, c.Close(ctx))
		assert.Equal(t, GuardAcked, g.State())
	})

	t.Run("stops deliveries", func(t *testing.T) {
		broker, tr := newTestBroker(t)
		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)

		require.NoError(t, c.Close(context.Background()))
		publishRaw(t, tr, "x")

		guards.none(t, 30*time.Millisecond)
		assert.Equal(t, 1, broker.QueueDepth(testQueue))
		assert.Equal(t, 0, broker.ConsumerCount(testQueue))
	})
}

func TestConsumerChannelLoss(t *testing.T) {
	broker, tr := newTestBroker(t)
	guards := newGuardQueue()
	events := &eventRecorder{}

	c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle,
		WithEventHandler(events.handle),
		WithConsumerBackoff(fastBackoff()))
	require.NoError(t, err)
	defer closeConsumer(c)

	publishRaw(t, tr, "x")
	g := guards.next(t)

	tr.Disconnect()

	assert.Eventually(t, func() bool { return len(events.all()) == 1 }, time.Second, 5*time.Millisecond)
	ev := events.all()[0]
	assert.Equal(t, EventChannelClosed, ev.Type)
	assert.True(t, errors.Is(ev.Err, contracts.ErrConsumerChannelClosed))
	assert.Equal(t, 1, ev.Abandoned)
	assert.Equal(t, testQueue, ev.Queue)

	assert.ErrorIs(t, g.Ack(), contracts.ErrChannelClosed)
	assert.Empty(t, c.Unresolved())
	assert.False(t, c.IsLive())
	assert.Equal(t, 1, broker.QueueDepth(testQueue))

	tr.Connect()

	redelivered := guards.next(t)
	assert.True(t, redelivered.Redelivered())
	require.NoError(t, redelivered.Ack())

	assert.Eventually(t, func() bool { return len(events.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventChannelRestored, events.all()[1].Type)
}

func TestNewConsumerMissingQueue(t *testing.T) {
	_, tr := newTestBroker(t)

	_, err := NewConsumer(context.Background(), tr, "missing", func(*MessageGuard) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrTopologyConflict))
}
