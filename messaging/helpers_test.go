package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/reliability"
	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
	"github.com/glimte/rabbitkit/transports/inmemory"
	"github.com/stretchr/testify/require"
)

const (
	testExchange = "E"
	testQueue    = "Q"
	testKey      = "k"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() reliability.RetryPolicy {
	return reliability.NewFixedDelay(5*time.Millisecond, reliability.Unlimited)
}

// newTestBroker declares exchange E, queue Q and the binding E->Q on key k
func newTestBroker(t *testing.T, options ...inmemory.BrokerOption) (*inmemory.Broker, *inmemory.Transport) {
	t.Helper()

	broker := inmemory.NewBroker(options...)
	tr := inmemory.NewTransport(broker)
	t.Cleanup(func() { _ = tr.Close() })

	topo := topology.New()
	ex := topo.AddExchange(testExchange)
	q := topo.AddQueue(testQueue)
	require.NoError(t, topo.Bind(ex, q, testKey))
	require.NoError(t, tr.Declare(context.Background(), topo.Definition()))

	return broker, tr
}

type confirmation struct {
	msg        contracts.Message
	routingKey string
	resp       contracts.ConfirmResponse
}

type confirmRecorder struct {
	mu       sync.Mutex
	received []confirmation
}

func (r *confirmRecorder) callback(msg contracts.Message, routingKey string, resp contracts.ConfirmResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, confirmation{msg: msg, routingKey: routingKey, resp: resp})
}

func (r *confirmRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *confirmRecorder) all() []confirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]confirmation(nil), r.received...)
}

type nopHandler struct{}

func (nopHandler) OnConfirm(transport.Confirmation) {}
func (nopHandler) OnReturn(transport.Return)        {}
func (nopHandler) OnDelivery(transport.Delivery)    {}
func (nopHandler) OnChannelClosed(error)            {}

// publishRaw puts messages on the queue without going through a Producer
func publishRaw(t *testing.T, tr transport.Transport, bodies ...string) {
	t.Helper()

	ch, err := tr.OpenChannel(context.Background(), transport.ConfirmMode, nopHandler{})
	require.NoError(t, err)
	defer ch.Close()

	for _, body := range bodies {
		_, err := ch.Publish(context.Background(), testExchange, testKey, transport.Publishing{Body: []byte(body)})
		require.NoError(t, err)
	}
}

type guardQueue struct {
	guards chan *MessageGuard
}

func newGuardQueue() *guardQueue {
	return &guardQueue{guards: make(chan *MessageGuard, 64)}
}

func (q *guardQueue) handle(g *MessageGuard) {
	q.guards <- g
}

func (q *guardQueue) next(t *testing.T) *MessageGuard {
	t.Helper()
	select {
	case g := <-q.guards:
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
		return nil
	}
}

func (q *guardQueue) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case g := <-q.guards:
		t.Fatalf("unexpected delivery %d", g.DeliveryTag())
	case <-time.After(wait):
	}
}

// closeConsumer bounds Close so a test that leaves deliveries unresolved
// cannot hang
func closeConsumer(c *Consumer) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Close(ctx)
}
