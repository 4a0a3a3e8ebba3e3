package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/reliability"
	"github.com/glimte/rabbitkit/transport"
	"github.com/google/uuid"
)

// SendStatus is the outcome of Producer.Send
type SendStatus int

const (
	// Sending means the message was handed to the broker and its callback
	// will fire exactly once
	Sending SendStatus = iota
	// Blocked means the outstanding-confirm window is full; retry later
	Blocked
	// Rejected means the producer cannot accept messages right now
	Rejected
)

func (s SendStatus) String() string {
	switch s {
	case Sending:
		return "SENDING"
	case Blocked:
		return "BLOCKED"
	case Rejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

// ConfirmCallback receives the broker verdict for one message. msg carries
// the GUID assigned at send time.
type ConfirmCallback func(msg contracts.Message, routingKey string, resp contracts.ConfirmResponse)

// ProducerState is the producer lifecycle state
type ProducerState int

const (
	ProducerActive ProducerState = iota
	ProducerDraining
	ProducerClosed
)

func (s ProducerState) String() string {
	switch s {
	case ProducerActive:
		return "active"
	case ProducerDraining:
		return "draining"
	case ProducerClosed:
		return "closed"
	default:
		return fmt.Sprintf("ProducerState(%d)", int(s))
	}
}

// ProducerStats is a snapshot of producer counters
type ProducerStats struct {
	Sent        uint64
	Acked       uint64
	Nacked      uint64
	Returned    uint64
	Outstanding int
}

// WaitError is returned when WaitForConfirms gives up before the
// outstanding table drained
type WaitError struct {
	Outstanding int
	Cause       error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v: %d confirms outstanding", contracts.ErrWaitTimeout, e.Outstanding)
}

func (e *WaitError) Unwrap() []error {
	if e.Cause == nil {
		return []error{contracts.ErrWaitTimeout}
	}
	return []error{contracts.ErrWaitTimeout, e.Cause}
}

// DefaultWaitTimeout bounds WaitForConfirms when no option overrides it
const DefaultWaitTimeout = 30 * time.Second

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWaitTimeout bounds every WaitForConfirms call
func WithWaitTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.waitTimeout = timeout
	}
}

// WithMandatory publishes with the mandatory flag so unroutable messages are
// confirmed with a Return status
func WithMandatory(mandatory bool) ProducerOption {
	return func(p *Producer) {
		p.mandatory = mandatory
	}
}

// WithProducerBackoff sets the policy used to re-open the channel after it
// was lost
func WithProducerBackoff(policy reliability.RetryPolicy) ProducerOption {
	return func(p *Producer) {
		p.backoff = policy
	}
}

type outstandingConfirm struct {
	seq        uint64
	msg        contracts.Message
	routingKey string
	callback   ConfirmCallback
	sentAt     time.Time
	returned   *transport.Return
	// closed when Send returns; callbacks wait on it
	accepted chan struct{}
}

// Producer publishes to one exchange over a confirm-mode channel and tracks
// every message until the broker confirms it.
type Producer struct {
	transport      transport.Transport
	exchange       string
	maxOutstanding int
	waitTimeout    time.Duration
	mandatory      bool
	backoff        reliability.RetryPolicy
	logger         *slog.Logger
	dispatcher     *callbackDispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       ProducerState
	drainers    int
	channel     transport.Channel
	generation  uint64
	lostGen     uint64
	outstanding map[uint64]*outstandingConfirm
	// records plus callbacks not yet run
	unsettled int
	settled   chan struct{}
	stats     ProducerStats
}

// NewProducer opens a confirm-mode channel on t and returns an active
// producer. maxOutstanding must be at least 1.
func NewProducer(ctx context.Context, t transport.Transport, exchange string, maxOutstanding uint16, options ...ProducerOption) (*Producer, error) {
	if maxOutstanding == 0 {
		return nil, fmt.Errorf("maxOutstandingConfirms must be at least 1")
	}

	settled := make(chan struct{})
	close(settled)

	p := &Producer{
		transport:      t,
		exchange:       exchange,
		maxOutstanding: int(maxOutstanding),
		waitTimeout:    DefaultWaitTimeout,
		backoff:        reliability.DefaultReconnectPolicy(),
		logger:         slog.Default(),
		outstanding:    make(map[uint64]*outstandingConfirm),
		settled:        settled,
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "producer", "exchange", exchange)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.dispatcher = newCallbackDispatcher(p.logger)

	if err := p.openChannel(ctx); err != nil {
		p.cancel()
		p.mu.Lock()
		p.state = ProducerClosed
		p.generation++
		p.mu.Unlock()
		p.dispatcher.stop()
		return nil, err
	}

	p.logger.Debug("producer created", "maxOutstanding", maxOutstanding)
	return p, nil
}

// Send publishes msg with routingKey. It never waits for the confirm:
// onConfirm is invoked exactly once, after Send has returned, for every
// message that returned Sending.
func (p *Producer) Send(msg contracts.Message, routingKey string, onConfirm ConfirmCallback) SendStatus {
	if onConfirm == nil {
		return Rejected
	}

	p.mu.Lock()

	if p.state != ProducerActive || p.channel == nil {
		p.mu.Unlock()
		return Rejected
	}
	if len(p.outstanding) >= p.maxOutstanding {
		p.mu.Unlock()
		return Blocked
	}

	msg = msg.WithGUID(uuid.New())
	rec := &outstandingConfirm{
		msg:        msg,
		routingKey: routingKey,
		callback:   onConfirm,
		sentAt:     time.Now(),
		accepted:   make(chan struct{}),
	}
	defer close(rec.accepted)

	// Publish under the lock so the record exists before its confirm can
	// be processed.
	seq, err := p.channel.Publish(context.Background(), p.exchange, routingKey, p.publishing(msg))
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("publish refused", "routingKey", routingKey, "error", err)
		return Rejected
	}

	rec.seq = seq
	p.outstanding[seq] = rec
	p.addUnsettledLocked(1)
	p.stats.Sent++
	p.mu.Unlock()

	return Sending
}

// WaitForConfirms blocks until every sent message has been confirmed and its
// callback has run, or until the wait timeout or ctx expires. The producer is
// Draining while any call is waiting and rejects sends.
func (p *Producer) WaitForConfirms(ctx context.Context) error {
	p.mu.Lock()
	if p.state == ProducerClosed {
		p.mu.Unlock()
		return contracts.ErrProducerClosed
	}
	if p.unsettled == 0 {
		p.mu.Unlock()
		return nil
	}
	p.state = ProducerDraining
	p.drainers++
	settled := p.settled
	p.mu.Unlock()

	if p.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.waitTimeout)
		defer cancel()
	}

	var waitErr error
	select {
	case <-settled:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.drainers--
	if p.drainers == 0 && p.state == ProducerDraining {
		p.state = ProducerActive
	}
	if waitErr != nil {
		return &WaitError{Outstanding: len(p.outstanding), Cause: waitErr}
	}
	return nil
}

// Close rejects further sends, resolves outstanding messages with a synthetic
// NACK, waits for queued callbacks and closes the channel. It must not be
// called from a ConfirmCallback.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.state == ProducerClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = ProducerClosed
	ch := p.channel
	p.channel = nil
	p.generation++
	p.failOutstandingLocked(contracts.ErrProducerClosed)
	p.mu.Unlock()

	p.cancel()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	<-p.dispatcher.stop()

	p.logger.Debug("producer closed")
	return err
}

// Outstanding returns the number of unconfirmed messages
func (p *Producer) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// State returns the lifecycle state
func (p *Producer) State() ProducerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the producer counters
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Outstanding = len(p.outstanding)
	return s
}

// Exchange returns the exchange the producer publishes to
func (p *Producer) Exchange() string {
	return p.exchange
}

// MaxOutstanding returns the size of the outstanding-confirm window
func (p *Producer) MaxOutstanding() int {
	return p.maxOutstanding
}

// IsLive reports whether the producer currently has an open channel
func (p *Producer) IsLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil
}

func (p *Producer) publishing(msg contracts.Message) transport.Publishing {
	props := msg.Properties()
	pub := transport.Publishing{
		Body:          msg.Payload(),
		MessageID:     msg.GUID().String(),
		ContentType:   props.ContentType,
		CorrelationID: props.CorrelationID,
		Headers:       props.Headers,
		Persistent:    props.Persistent,
		Priority:      props.Priority,
		Expiration:    props.Expiration,
		Timestamp:     props.Timestamp,
		Mandatory:     p.mandatory,
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	return pub
}

func (p *Producer) openChannel(ctx context.Context) error {
	p.mu.Lock()
	if p.state == ProducerClosed {
		p.mu.Unlock()
		return contracts.ErrProducerClosed
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	ch, err := p.transport.OpenChannel(ctx, transport.ConfirmMode, &producerEvents{producer: p, generation: gen})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == ProducerClosed {
		_ = ch.Close()
		return contracts.ErrProducerClosed
	}
	if p.lostGen == gen || p.generation != gen {
		return fmt.Errorf("%w: lost while opening", contracts.ErrChannelClosed)
	}
	p.channel = ch
	return nil
}

func (p *Producer) reopen() {
	err := reliability.Retry(p.ctx, p.backoff, func() error {
		return p.openChannel(p.ctx)
	}, func(attempt int, delay time.Duration, err error) {
		p.logger.Warn("re-opening confirm channel failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})

	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, contracts.ErrProducerClosed) {
			p.logger.Error("giving up re-opening confirm channel", "error", err)
		}
		return
	}
	p.logger.Info("confirm channel restored")
}

func (p *Producer) handleConfirm(gen uint64, c transport.Confirmation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}

	var resolved []*outstandingConfirm
	if c.Multiple {
		for seq, rec := range p.outstanding {
			if seq <= c.DeliveryTag {
				resolved = append(resolved, rec)
				delete(p.outstanding, seq)
			}
		}
		sort.Slice(resolved, func(i, j int) bool { return resolved[i].seq < resolved[j].seq })
	} else if rec, ok := p.outstanding[c.DeliveryTag]; ok {
		resolved = append(resolved, rec)
		delete(p.outstanding, c.DeliveryTag)
	}

	for _, rec := range resolved {
		var resp contracts.ConfirmResponse
		switch {
		case !c.Ack:
			resp = contracts.NackResponse("broker nack")
			p.stats.Nacked++
		case rec.returned != nil:
			resp = contracts.ReturnResponse(rec.returned.ReplyCode, rec.returned.ReplyText)
			p.stats.Returned++
		default:
			resp = contracts.AckResponse()
			p.stats.Acked++
		}
		p.dispatchLocked(rec, resp)
	}
}

func (p *Producer) handleReturn(gen uint64, r transport.Return) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}
	for _, rec := range p.outstanding {
		if rec.msg.GUID().String() == r.MessageID {
			ret := r
			rec.returned = &ret
			return
		}
	}
	p.logger.Debug("return for unknown message", "messageId", r.MessageID, "replyCode", r.ReplyCode)
}

func (p *Producer) handleChannelClosed(gen uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}
	wasLive := p.channel != nil
	p.lostGen = gen
	p.channel = nil

	closeErr := contracts.ErrChannelClosed
	if err != nil {
		closeErr = fmt.Errorf("%w: %w", contracts.ErrChannelClosed, err)
	}
	if n := len(p.outstanding); n > 0 {
		p.logger.Warn("confirm channel lost with outstanding messages", "outstanding", n, "error", err)
	}
	p.failOutstandingLocked(closeErr)

	// a failed open attempt is retried by its caller
	if wasLive && p.state != ProducerClosed {
		go p.reopen()
	}
}

func (p *Producer) failOutstandingLocked(err error) {
	seqs := make([]uint64, 0, len(p.outstanding))
	for seq := range p.outstanding {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		rec := p.outstanding[seq]
		delete(p.outstanding, seq)
		p.stats.Nacked++
		p.dispatchLocked(rec, contracts.SyntheticNack(err))
	}
}

// dispatchLocked hands the callback to the dispatcher; the record stays
// unsettled until the callback has run
func (p *Producer) dispatchLocked(rec *outstandingConfirm, resp contracts.ConfirmResponse) {
	task := func() {
		<-rec.accepted
		p.invokeCallback(rec, resp)
		p.mu.Lock()
		p.addUnsettledLocked(-1)
		p.mu.Unlock()
	}
	if !p.dispatcher.submit(task) {
		// dispatcher only stops after Close resolved every record
		go task()
	}
}

func (p *Producer) invokeCallback(rec *outstandingConfirm, resp contracts.ConfirmResponse) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("confirm callback panicked",
				"routingKey", rec.routingKey,
				"messageId", rec.msg.GUID().String(),
				"panic", r)
		}
	}()
	rec.callback(rec.msg, rec.routingKey, resp)
}

func (p *Producer) addUnsettledLocked(delta int) {
	before := p.unsettled
	p.unsettled += delta
	switch {
	case before == 0 && p.unsettled > 0:
		p.settled = make(chan struct{})
	case before > 0 && p.unsettled == 0:
		close(p.settled)
	}
}

// producerEvents binds transport events to one channel generation
type producerEvents struct {
	producer   *Producer
	generation uint64
}

func (e *producerEvents) OnConfirm(c transport.Confirmation) {
	e.producer.handleConfirm(e.generation, c)
}

func (e *producerEvents) OnReturn(r transport.Return) {
	e.producer.handleReturn(e.generation, r)
}

func (e *producerEvents) OnDelivery(transport.Delivery) {}

func (e *producerEvents) OnChannelClosed(err error) {
	e.producer.handleChannelClosed(e.generation, err)
}
