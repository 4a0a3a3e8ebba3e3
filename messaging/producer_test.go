package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
	"github.com/glimte/rabbitkit/transports/inmemory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) OpenChannel(ctx context.Context, mode transport.Mode, handler transport.EventHandler) (transport.Channel, error) {
	args := m.Called(ctx, mode, handler)
	ch, _ := args.Get(0).(transport.Channel)
	return ch, args.Error(1)
}

func (m *mockTransport) Declare(ctx context.Context, def topology.Definition) error {
	return m.Called(ctx, def).Error(0)
}

func (m *mockTransport) WaitConnected(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockTransport) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ID() string           { return "mock" }
func (m *mockChannel) Mode() transport.Mode { return transport.ConfirmMode }

func (m *mockChannel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) (uint64, error) {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockChannel) Qos(prefetchCount int) error {
	return m.Called(prefetchCount).Error(0)
}

func (m *mockChannel) Consume(queue, consumerTag string, exclusive bool) error {
	return m.Called(queue, consumerTag, exclusive).Error(0)
}

func (m *mockChannel) Cancel(consumerTag string) error {
	return m.Called(consumerTag).Error(0)
}

func (m *mockChannel) Ack(deliveryTag uint64) error {
	return m.Called(deliveryTag).Error(0)
}

func (m *mockChannel) Nack(deliveryTag uint64, requeue bool) error {
	return m.Called(deliveryTag, requeue).Error(0)
}

func (m *mockChannel) Reject(deliveryTag uint64, requeue bool) error {
	return m.Called(deliveryTag, requeue).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func TestNewProducer(t *testing.T) {
	t.Run("opens a confirm channel", func(t *testing.T) {
		broker, tr := newTestBroker(t)

		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		assert.Equal(t, ProducerActive, p.State())
		assert.Equal(t, testExchange, p.Exchange())
		assert.Equal(t, 10, p.MaxOutstanding())
		assert.True(t, p.IsLive())
		assert.Equal(t, 1, broker.OpenChannels())
	})

	t.Run("rejects an empty window", func(t *testing.T) {
		_, tr := newTestBroker(t)

		_, err := NewProducer(context.Background(), tr, testExchange, 0)
		assert.Error(t, err)
	})

	t.Run("fails when the connection never comes up", func(t *testing.T) {
		broker := inmemory.NewBroker()
		tr := inmemory.NewTransport(broker, inmemory.StartDisconnected())
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := NewProducer(ctx, tr, testExchange, 10)
		assert.True(t, errors.Is(err, contracts.ErrConnectionUnavailable))
	})
}

func TestProducerSend(t *testing.T) {
	t.Run("acks every accepted send exactly once", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		for i := 0; i < 5; i++ {
			assert.Equal(t, Sending, p.Send(contracts.NewTextMessage("hi"), testKey, rec.callback))
		}

		require.NoError(t, p.WaitForConfirms(context.Background()))

		confirms := rec.all()
		require.Len(t, confirms, 5)
		seen := make(map[uuid.UUID]bool)
		for _, c := range confirms {
			assert.Equal(t, contracts.Ack, c.resp.Status)
			assert.Equal(t, testKey, c.routingKey)
			assert.NotEqual(t, uuid.Nil, c.msg.GUID())
			assert.False(t, seen[c.msg.GUID()])
			seen[c.msg.GUID()] = true
		}

		stats := p.Stats()
		assert.Equal(t, uint64(5), stats.Sent)
		assert.Equal(t, uint64(5), stats.Acked)
		assert.Equal(t, 0, stats.Outstanding)
	})

	t.Run("publishes the guid as message id", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		guards := newGuardQueue()
		c, err := NewConsumer(context.Background(), tr, testQueue, guards.handle)
		require.NoError(t, err)

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("hi"), testKey, rec.callback))
		require.NoError(t, p.WaitForConfirms(context.Background()))

		g := guards.next(t)
		assert.Equal(t, rec.all()[0].msg.GUID(), g.Message().GUID())
		require.NoError(t, g.Ack())
		require.NoError(t, c.Close(context.Background()))
	})

	t.Run("blocks exactly when the window is full", func(t *testing.T) {
		broker, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 1)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		assert.Equal(t, Sending, p.Send(contracts.NewTextMessage("one"), testKey, rec.callback))
		assert.Equal(t, Blocked, p.Send(contracts.NewTextMessage("two"), testKey, rec.callback))
		assert.Equal(t, 1, p.Outstanding())

		broker.ReleaseConfirms(true)
		assert.Eventually(t, func() bool { return p.Outstanding() == 0 }, time.Second, 5*time.Millisecond)

		assert.Equal(t, Sending, p.Send(contracts.NewTextMessage("two"), testKey, rec.callback))
		broker.ReleaseConfirms(true)
		require.NoError(t, p.WaitForConfirms(context.Background()))
		assert.Equal(t, 2, rec.count())
	})

	t.Run("multiple confirm resolves every record up to the tag", func(t *testing.T) {
		broker, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		bodies := []string{"a", "b", "c"}
		for _, body := range bodies {
			require.Equal(t, Sending, p.Send(contracts.NewTextMessage(body), testKey, rec.callback))
		}

		assert.Equal(t, 3, broker.ReleaseConfirmsMultiple(true))
		require.NoError(t, p.WaitForConfirms(context.Background()))

		confirms := rec.all()
		require.Len(t, confirms, 3)
		for i, c := range confirms {
			assert.Equal(t, bodies[i], string(c.msg.Payload()))
			assert.Equal(t, contracts.Ack, c.resp.Status)
		}
	})

	t.Run("broker nack is reported", func(t *testing.T) {
		broker, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
		broker.ReleaseConfirms(false)
		require.NoError(t, p.WaitForConfirms(context.Background()))

		confirms := rec.all()
		require.Len(t, confirms, 1)
		assert.Equal(t, contracts.Nack, confirms[0].resp.Status)
		assert.Equal(t, uint64(1), p.Stats().Nacked)
	})

	t.Run("mandatory unroutable message is returned", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10, WithMandatory(true))
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), "unbound", rec.callback))
		require.NoError(t, p.WaitForConfirms(context.Background()))

		confirms := rec.all()
		require.Len(t, confirms, 1)
		assert.Equal(t, contracts.Return, confirms[0].resp.Status)
		assert.Equal(t, uint16(transport.NoRoute), confirms[0].resp.Code)
		assert.Equal(t, uint64(1), p.Stats().Returned)
	})

	t.Run("nil callback is rejected", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		assert.Equal(t, Rejected, p.Send(contracts.NewTextMessage("x"), testKey, nil))
	})

	t.Run("transport refusal is rejected", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Publish", mock.Anything, testExchange, testKey, mock.Anything).
			Return(uint64(0), contracts.ErrChannelClosed)
		ch.On("Close").Return(nil)

		tr := &mockTransport{}
		tr.On("OpenChannel", mock.Anything, transport.ConfirmMode, mock.Anything).Return(ch, nil)

		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)

		rec := &confirmRecorder{}
		assert.Equal(t, Rejected, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
		assert.Equal(t, 0, p.Outstanding())

		require.NoError(t, p.Close())
		assert.Equal(t, 0, rec.count())
		ch.AssertExpectations(t)
		tr.AssertExpectations(t)
	})

	t.Run("concurrent sends each get one callback", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 1000)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					assert.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
				}
			}()
		}
		wg.Wait()

		require.NoError(t, p.WaitForConfirms(context.Background()))
		assert.Equal(t, 200, rec.count())
		assert.Equal(t, uint64(200), p.Stats().Acked)
	})
}

func TestProducerWaitForConfirms(t *testing.T) {
	t.Run("returns immediately when nothing is outstanding", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		assert.NoError(t, p.WaitForConfirms(context.Background()))
	})

	t.Run("times out with the outstanding count", func(t *testing.T) {
		_, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 10, WithWaitTimeout(30*time.Millisecond))
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))

		err = p.WaitForConfirms(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, contracts.ErrWaitTimeout))

		var waitErr *WaitError
		require.True(t, errors.As(err, &waitErr))
		assert.Equal(t, 1, waitErr.Outstanding)
		assert.Equal(t, ProducerActive, p.State())
	})

	t.Run("rejects sends while draining", func(t *testing.T) {
		broker, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))

		done := make(chan error, 1)
		go func() { done <- p.WaitForConfirms(context.Background()) }()

		assert.Eventually(t, func() bool { return p.State() == ProducerDraining }, time.Second, 5*time.Millisecond)
		assert.Equal(t, Rejected, p.Send(contracts.NewTextMessage("y"), testKey, rec.callback))

		broker.ReleaseConfirms(true)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitForConfirms did not return")
		}
		assert.Equal(t, ProducerActive, p.State())
		assert.Equal(t, 1, rec.count())
	})

	t.Run("closed producer", func(t *testing.T) {
		_, tr := newTestBroker(t)
		p, err := NewProducer(context.Background(), tr, testExchange, 10)
		require.NoError(t, err)
		require.NoError(t, p.Close())

		assert.ErrorIs(t, p.WaitForConfirms(context.Background()), contracts.ErrProducerClosed)
	})
}

func TestProducerChannelLoss(t *testing.T) {
	t.Run("outstanding messages are nacked and the channel comes back", func(t *testing.T) {
		_, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, testExchange, 10, WithProducerBackoff(fastBackoff()))
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		for i := 0; i < 3; i++ {
			require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
		}

		tr.Disconnect()

		assert.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
		for _, c := range rec.all() {
			assert.Equal(t, contracts.Nack, c.resp.Status)
			assert.True(t, errors.Is(c.resp.Err, contracts.ErrChannelClosed))
			assert.True(t, errors.Is(c.resp.Err, contracts.ErrConnectionUnavailable))
		}
		assert.Equal(t, 0, p.Outstanding())
		assert.Equal(t, Rejected, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))

		tr.Connect()
		assert.Eventually(t, p.IsLive, time.Second, 5*time.Millisecond)
		assert.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
	})

	t.Run("channel exception nacks and reopens", func(t *testing.T) {
		_, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
		p, err := NewProducer(context.Background(), tr, "missing", 10, WithProducerBackoff(fastBackoff()))
		require.NoError(t, err)
		defer p.Close()

		rec := &confirmRecorder{}
		require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))

		assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
		resp := rec.all()[0].resp
		assert.Equal(t, contracts.Nack, resp.Status)
		assert.True(t, errors.Is(resp.Err, contracts.ErrTopologyConflict))
		assert.Eventually(t, p.IsLive, time.Second, 5*time.Millisecond)
	})
}

func TestProducerClose(t *testing.T) {
	broker, tr := newTestBroker(t, inmemory.WithConfirmPolicy(inmemory.ManualConfirm))
	p, err := NewProducer(context.Background(), tr, testExchange, 10)
	require.NoError(t, err)

	rec := &confirmRecorder{}
	require.Equal(t, Sending, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))

	require.NoError(t, p.Close())

	confirms := rec.all()
	require.Len(t, confirms, 1)
	assert.Equal(t, contracts.Nack, confirms[0].resp.Status)
	assert.ErrorIs(t, confirms[0].resp.Err, contracts.ErrProducerClosed)

	assert.Equal(t, ProducerClosed, p.State())
	assert.Equal(t, Rejected, p.Send(contracts.NewTextMessage("x"), testKey, rec.callback))
	assert.NoError(t, p.Close())
	assert.Equal(t, 0, broker.OpenChannels())
}
