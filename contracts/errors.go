package contracts

import "errors"

var (
	// ErrConnectionUnavailable is returned when there is no live connection or channel
	ErrConnectionUnavailable = errors.New("rabbitkit: connection unavailable")
	// ErrTopologyConflict is returned when declared topology does not match broker state
	ErrTopologyConflict = errors.New("rabbitkit: topology conflict")
	// ErrInvalidReference is returned for handles not minted by the same topology
	ErrInvalidReference = errors.New("rabbitkit: invalid topology reference")
	// ErrBrokerRejected is returned when the broker denies an operation (auth, permissions)
	ErrBrokerRejected = errors.New("rabbitkit: rejected by broker")
	// ErrChannelClosed is reported for operations lost to a channel teardown
	ErrChannelClosed = errors.New("rabbitkit: channel closed")
	// ErrAlreadyResolved is returned when a delivery is acked or nacked twice
	ErrAlreadyResolved = errors.New("rabbitkit: delivery already resolved")
	// ErrUnacknowledgedOnShutdown is returned when a consumer closes with unresolved deliveries
	ErrUnacknowledgedOnShutdown = errors.New("rabbitkit: unacknowledged deliveries on shutdown")
	// ErrConsumerChannelClosed is surfaced to consumers when their channel goes away
	ErrConsumerChannelClosed = errors.New("rabbitkit: consumer channel closed")
	// ErrWaitTimeout is returned when waiting for confirms exceeds its deadline
	ErrWaitTimeout = errors.New("rabbitkit: timed out waiting for confirms")
	// ErrProducerClosed is returned for operations on a closed producer
	ErrProducerClosed = errors.New("rabbitkit: producer closed")
	// ErrConsumerClosed is returned for operations on a closed consumer
	ErrConsumerClosed = errors.New("rabbitkit: consumer closed")
)
