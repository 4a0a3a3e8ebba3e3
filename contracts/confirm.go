package contracts

import "fmt"

// ConfirmStatus is the broker verdict for a published message
type ConfirmStatus int

const (
	// Ack means the broker took responsibility for the message
	Ack ConfirmStatus = iota
	// Nack means the broker (or the library, on channel loss) refused the message
	Nack
	// Return means a mandatory message could not be routed to any queue
	Return
)

func (s ConfirmStatus) String() string {
	switch s {
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case Return:
		return "RETURN"
	default:
		return fmt.Sprintf("ConfirmStatus(%d)", int(s))
	}
}

// ConfirmResponse is passed to a producer confirm callback
type ConfirmResponse struct {
	Status ConfirmStatus
	Code   uint16
	Reason string
	// Err is set for synthetic NACKs produced by the library (e.g. ErrChannelClosed)
	Err error
}

// Acked reports whether the message was positively confirmed
func (r ConfirmResponse) Acked() bool {
	return r.Status == Ack
}

func (r ConfirmResponse) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("[ConfirmResponse %s]", r.Status)
	}
	return fmt.Sprintf("[ConfirmResponse %s code=%d reason=%q]", r.Status, r.Code, r.Reason)
}

// AckResponse is the response for a positive broker confirm
func AckResponse() ConfirmResponse {
	return ConfirmResponse{Status: Ack}
}

// NackResponse is the response for a negative broker confirm
func NackResponse(reason string) ConfirmResponse {
	return ConfirmResponse{Status: Nack, Reason: reason}
}

// ReturnResponse is the response for an unroutable mandatory message
func ReturnResponse(code uint16, reason string) ConfirmResponse {
	return ConfirmResponse{Status: Return, Code: code, Reason: reason}
}

// SyntheticNack builds the NACK delivered when the library gives up on a message
func SyntheticNack(err error) ConfirmResponse {
	return ConfirmResponse{Status: Nack, Reason: err.Error(), Err: err}
}
