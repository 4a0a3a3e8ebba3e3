package topology

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/glimte/rabbitkit/contracts"
)

// Kind is the exchange type
type Kind string

const (
	Direct  Kind = "direct"
	Fanout  Kind = "fanout"
	Topic   Kind = "topic"
	Headers Kind = "headers"
)

// ExchangeHandle identifies an exchange within the Topology that minted it
type ExchangeHandle struct {
	topo  uint64
	index int
}

// QueueHandle identifies a queue within the Topology that minted it
type QueueHandle struct {
	topo  uint64
	index int
}

// Exchange defines an exchange to be declared
type Exchange struct {
	Name       string
	Kind       Kind
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	Arguments  map[string]interface{}
}

// Queue defines a queue to be declared
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Passive    bool
	Arguments  map[string]interface{}
}

// QueueBinding binds a queue to an exchange
type QueueBinding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Arguments  map[string]interface{}
}

// ExchangeBinding binds a destination exchange to a source exchange
type ExchangeBinding struct {
	Source      string
	Destination string
	RoutingKey  string
	Arguments   map[string]interface{}
}

// ExchangeOption configures an exchange declaration
type ExchangeOption func(*Exchange)

// WithKind sets the exchange type
func WithKind(kind Kind) ExchangeOption {
	return func(e *Exchange) {
		e.Kind = kind
	}
}

// WithExchangeDurable sets whether the exchange survives a broker restart
func WithExchangeDurable(durable bool) ExchangeOption {
	return func(e *Exchange) {
		e.Durable = durable
	}
}

// WithExchangeAutoDelete sets auto-delete on the exchange
func WithExchangeAutoDelete(autoDelete bool) ExchangeOption {
	return func(e *Exchange) {
		e.AutoDelete = autoDelete
	}
}

// WithInternal marks the exchange internal (not publishable by clients)
func WithInternal(internal bool) ExchangeOption {
	return func(e *Exchange) {
		e.Internal = internal
	}
}

// WithExchangeArguments sets extra declaration arguments
func WithExchangeArguments(args map[string]interface{}) ExchangeOption {
	return func(e *Exchange) {
		e.Arguments = args
	}
}

// QueueOption configures a queue declaration
type QueueOption func(*Queue)

// WithQueueDurable sets whether the queue survives a broker restart
func WithQueueDurable(durable bool) QueueOption {
	return func(q *Queue) {
		q.Durable = durable
	}
}

// WithQueueAutoDelete sets auto-delete on the queue
func WithQueueAutoDelete(autoDelete bool) QueueOption {
	return func(q *Queue) {
		q.AutoDelete = autoDelete
	}
}

// WithExclusive makes the queue exclusive to its connection
func WithExclusive(exclusive bool) QueueOption {
	return func(q *Queue) {
		q.Exclusive = exclusive
	}
}

// WithQueueArguments sets extra declaration arguments (x-message-ttl, x-queue-type, ...)
func WithQueueArguments(args map[string]interface{}) QueueOption {
	return func(q *Queue) {
		q.Arguments = args
	}
}

var topologyIDs atomic.Uint64

// Topology is an append-only graph of exchanges, queues and bindings
type Topology struct {
	id uint64

	mu               sync.RWMutex
	exchanges        []Exchange
	queues           []Queue
	queueBindings    []QueueBinding
	exchangeBindings []ExchangeBinding
	conflicts        []error
}

// New creates an empty topology
func New() *Topology {
	return &Topology{id: topologyIDs.Add(1)}
}

// AddExchange adds an exchange. The kind defaults to direct and the exchange
// is durable unless configured otherwise. Adding an identical exchange twice
// returns the existing handle.
func (t *Topology) AddExchange(name string, options ...ExchangeOption) ExchangeHandle {
	ex := Exchange{Name: name, Kind: Direct, Durable: true}
	for _, opt := range options {
		opt(&ex)
	}
	return t.addExchange(ex)
}

// AddPassiveExchange references an exchange that must already exist
func (t *Topology) AddPassiveExchange(name string) ExchangeHandle {
	return t.addExchange(Exchange{Name: name, Kind: Direct, Durable: true, Passive: true})
}

func (t *Topology) addExchange(ex Exchange) ExchangeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.exchanges {
		if existing.Name != ex.Name {
			continue
		}
		if sameExchange(existing, ex) {
			return ExchangeHandle{topo: t.id, index: i}
		}
		t.conflicts = append(t.conflicts, fmt.Errorf("%w: exchange %q declared twice with different settings",
			contracts.ErrTopologyConflict, ex.Name))
	}

	t.exchanges = append(t.exchanges, ex)
	return ExchangeHandle{topo: t.id, index: len(t.exchanges) - 1}
}

// AddQueue adds a durable queue. Adding an identical queue twice returns the
// existing handle.
func (t *Topology) AddQueue(name string, options ...QueueOption) QueueHandle {
	q := Queue{Name: name, Durable: true}
	for _, opt := range options {
		opt(&q)
	}
	return t.addQueue(q)
}

// AddPassiveQueue references a queue that must already exist
func (t *Topology) AddPassiveQueue(name string) QueueHandle {
	return t.addQueue(Queue{Name: name, Durable: true, Passive: true})
}

func (t *Topology) addQueue(q Queue) QueueHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.queues {
		if existing.Name != q.Name {
			continue
		}
		if sameQueue(existing, q) {
			return QueueHandle{topo: t.id, index: i}
		}
		t.conflicts = append(t.conflicts, fmt.Errorf("%w: queue %q declared twice with different settings",
			contracts.ErrTopologyConflict, q.Name))
	}

	t.queues = append(t.queues, q)
	return QueueHandle{topo: t.id, index: len(t.queues) - 1}
}

// Bind binds queue to exchange with routingKey. Both handles must come from
// this topology.
func (t *Topology) Bind(exchange ExchangeHandle, queue QueueHandle, routingKey string, args ...map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, err := t.exchangeLocked(exchange)
	if err != nil {
		return err
	}
	q, err := t.queueLocked(queue)
	if err != nil {
		return err
	}

	binding := QueueBinding{
		Exchange:   ex.Name,
		Queue:      q.Name,
		RoutingKey: routingKey,
		Arguments:  mergeArgs(args),
	}
	for _, existing := range t.queueBindings {
		if reflect.DeepEqual(existing, binding) {
			return nil
		}
	}
	t.queueBindings = append(t.queueBindings, binding)
	return nil
}

// BindExchange routes messages from source to destination with routingKey
func (t *Topology) BindExchange(source, destination ExchangeHandle, routingKey string, args ...map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, err := t.exchangeLocked(source)
	if err != nil {
		return err
	}
	dst, err := t.exchangeLocked(destination)
	if err != nil {
		return err
	}

	binding := ExchangeBinding{
		Source:      src.Name,
		Destination: dst.Name,
		RoutingKey:  routingKey,
		Arguments:   mergeArgs(args),
	}
	for _, existing := range t.exchangeBindings {
		if reflect.DeepEqual(existing, binding) {
			return nil
		}
	}
	t.exchangeBindings = append(t.exchangeBindings, binding)
	return nil
}

// ExchangeName returns the name behind a handle
func (t *Topology) ExchangeName(h ExchangeHandle) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ex, err := t.exchangeLocked(h)
	if err != nil {
		return "", err
	}
	return ex.Name, nil
}

// QueueName returns the name behind a handle
func (t *Topology) QueueName(h QueueHandle) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	q, err := t.queueLocked(h)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// Definition returns an immutable snapshot of the topology
func (t *Topology) Definition() Definition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Definition{
		Exchanges:        append([]Exchange(nil), t.exchanges...),
		Queues:           append([]Queue(nil), t.queues...),
		QueueBindings:    append([]QueueBinding(nil), t.queueBindings...),
		ExchangeBindings: append([]ExchangeBinding(nil), t.exchangeBindings...),
		conflicts:        append([]error(nil), t.conflicts...),
	}
}

func (t *Topology) exchangeLocked(h ExchangeHandle) (Exchange, error) {
	if h.topo != t.id || h.index < 0 || h.index >= len(t.exchanges) {
		return Exchange{}, fmt.Errorf("%w: exchange handle not created by this topology", contracts.ErrInvalidReference)
	}
	return t.exchanges[h.index], nil
}

func (t *Topology) queueLocked(h QueueHandle) (Queue, error) {
	if h.topo != t.id || h.index < 0 || h.index >= len(t.queues) {
		return Queue{}, fmt.Errorf("%w: queue handle not created by this topology", contracts.ErrInvalidReference)
	}
	return t.queues[h.index], nil
}

func sameExchange(a, b Exchange) bool {
	return a.Kind == b.Kind &&
		a.Durable == b.Durable &&
		a.AutoDelete == b.AutoDelete &&
		a.Internal == b.Internal &&
		a.Passive == b.Passive &&
		equalArgs(a.Arguments, b.Arguments)
}

func sameQueue(a, b Queue) bool {
	return a.Durable == b.Durable &&
		a.AutoDelete == b.AutoDelete &&
		a.Exclusive == b.Exclusive &&
		a.Passive == b.Passive &&
		equalArgs(a.Arguments, b.Arguments)
}

func equalArgs(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func mergeArgs(args []map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, a := range args {
		for k, v := range a {
			merged[k] = v
		}
	}
	return merged
}
