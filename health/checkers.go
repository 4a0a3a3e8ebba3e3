package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/topology"
	"github.com/glimte/rabbitkit/transport"
)

// Connection is the part of a VHost connection the checkers need
type Connection interface {
	Name() string
	IsConnected() bool
	Transport() transport.Transport
}

// VHostChecker checks a broker connection by opening a channel and
// passively declaring amq.direct
type VHostChecker struct {
	conn Connection
}

// NewVHostChecker creates a new connection health checker
func NewVHostChecker(conn Connection) *VHostChecker {
	return &VHostChecker{conn: conn}
}

func (c *VHostChecker) Name() string {
	return fmt.Sprintf("vhost_%s", c.conn.Name())
}

func (c *VHostChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Transport().OpenChannel(ctx, transport.ConfirmMode, discardEvents{})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	probe := topology.New()
	probe.AddPassiveExchange("amq.direct")
	if err := c.conn.Transport().Declare(ctx, probe.Definition()); err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["connected"] = true
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is accessible
type QueueChecker struct {
	conn  Connection
	queue string
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(conn Connection, queue string) *QueueChecker {
	return &QueueChecker{conn: conn, queue: queue}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"queue_name": c.queue},
	}

	probe := topology.New()
	probe.AddPassiveQueue(c.queue)
	if err := c.conn.Transport().Declare(ctx, probe.Definition()); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}

	result.Duration = time.Since(start)
	return result
}

// ProducerChecker reports a producer degraded while its channel is being
// re-opened or its confirm window is nearly full
type ProducerChecker struct {
	name     string
	producer *messaging.Producer
}

// NewProducerChecker creates a checker for producer
func NewProducerChecker(name string, producer *messaging.Producer) *ProducerChecker {
	return &ProducerChecker{name: name, producer: producer}
}

func (c *ProducerChecker) Name() string {
	return c.name
}

func (c *ProducerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.producer.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"exchange":    c.producer.Exchange(),
			"state":       c.producer.State().String(),
			"sent":        stats.Sent,
			"acked":       stats.Acked,
			"nacked":      stats.Nacked,
			"returned":    stats.Returned,
			"outstanding": stats.Outstanding,
		},
	}

	switch {
	case c.producer.State() == messaging.ProducerClosed:
		result.Status = StatusUnhealthy
		result.Message = "Producer is closed"
	case !c.producer.IsLive():
		result.Status = StatusDegraded
		result.Message = "Confirm channel is being re-opened"
	case stats.Outstanding >= c.producer.MaxOutstanding():
		result.Status = StatusDegraded
		result.Message = "Confirm window is full"
	default:
		result.Status = StatusHealthy
		result.Message = "Producer is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerChecker reports a consumer degraded while it is re-subscribing
type ConsumerChecker struct {
	name     string
	consumer *messaging.Consumer
}

// NewConsumerChecker creates a checker for consumer
func NewConsumerChecker(name string, consumer *messaging.Consumer) *ConsumerChecker {
	return &ConsumerChecker{name: name, consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return c.name
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.consumer.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"queue":      c.consumer.Queue(),
			"state":      c.consumer.State().String(),
			"delivered":  stats.Delivered,
			"acked":      stats.Acked,
			"nacked":     stats.Nacked,
			"rejected":   stats.Rejected,
			"abandoned":  stats.Abandoned,
			"unresolved": stats.Unresolved,
		},
	}

	switch {
	case c.consumer.State() != messaging.ConsumerActive:
		result.Status = StatusUnhealthy
		result.Message = "Consumer is closed"
	case !c.consumer.IsLive():
		result.Status = StatusDegraded
		result.Message = "Consumer is re-subscribing"
	default:
		result.Status = StatusHealthy
		result.Message = "Consumer is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}

type discardEvents struct{}

func (discardEvents) OnConfirm(transport.Confirmation) {}
func (discardEvents) OnReturn(transport.Return)        {}
func (discardEvents) OnDelivery(transport.Delivery)    {}
func (discardEvents) OnChannelClosed(error)            {}
