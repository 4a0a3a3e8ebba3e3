package transport

import (
	"fmt"

	"github.com/glimte/rabbitkit/contracts"
)

// AMQP reply codes the library classifies
const (
	ReplySuccess       = 200
	ContentTooLarge    = 311
	NoRoute            = 312
	NoConsumers        = 313
	ConnectionForced   = 320
	AccessRefused      = 403
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	FrameError         = 501
	ChannelError       = 504
	UnexpectedFrame    = 505
	ResourceError      = 506
	NotAllowed         = 530
	InternalError      = 541
)

// BrokerError is a broker reply normalised by a transport implementation
type BrokerError struct {
	Code    int
	Text    string
	Server  bool
	Recover bool
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Text)
}

// Unwrap maps the reply code onto the error taxonomy
func (e *BrokerError) Unwrap() error {
	return Classify(e.Code)
}

// Classify returns the sentinel for an AMQP reply code
func Classify(code int) error {
	switch code {
	case PreconditionFailed, NotFound, ResourceLocked:
		return contracts.ErrTopologyConflict
	case AccessRefused, NotAllowed:
		return contracts.ErrBrokerRejected
	case ConnectionForced, FrameError, UnexpectedFrame, InternalError:
		return contracts.ErrConnectionUnavailable
	default:
		return contracts.ErrChannelClosed
	}
}
