package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = fmt.Errorf("rabbitmq: connection is closed: %w", contracts.ErrConnectionUnavailable)
	ErrConnectionNotReady = fmt.Errorf("rabbitmq: connection not ready: %w", contracts.ErrConnectionUnavailable)
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
	ErrConfirmModeFailed     = errors.New("rabbitmq: failed to enable confirm mode")
)

// ConnectionError represents a connection-related error. It unwraps to its
// cause and, unless the broker refused access, to
// contracts.ErrConnectionUnavailable.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if errors.Is(e.Err, contracts.ErrBrokerRejected) {
		return []error{e.Err}
	}
	return []error{e.Err, contracts.ErrConnectionUnavailable}
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// brokerError normalises amqp091 errors so callers can match them against
// the contracts taxonomy
func brokerError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr == amqp.ErrClosed {
			return fmt.Errorf("%w: %v", contracts.ErrChannelClosed, err)
		}
		return &transport.BrokerError{
			Code:    amqpErr.Code,
			Text:    amqpErr.Reason,
			Server:  amqpErr.Server,
			Recover: amqpErr.Recover,
		}
	}

	return err
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
