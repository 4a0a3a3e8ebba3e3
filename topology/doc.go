// Package topology provides a declarative model of exchanges, queues and
// bindings.
//
// A Topology is built locally (no network I/O) and mints ExchangeHandle and
// QueueHandle values that are indices into the Topology that created them.
// Using a handle with a different Topology fails with
// contracts.ErrInvalidReference. A Definition snapshot is resolved against a
// broker with Resolve; resolution is idempotent and may run concurrently for
// the same Topology.
package topology
