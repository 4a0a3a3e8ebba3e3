// Package contracts provides the value types shared by every rabbitkit package.
//
// This package defines:
//   - Message: an immutable payload plus properties, stamped with a GUID when a
//     producer accepts it
//   - ConfirmResponse: the broker verdict handed to a producer's confirm callback
//   - Result: a value-or-error holder used at asynchronous boundaries
//   - the error taxonomy (ErrConnectionUnavailable, ErrTopologyConflict, ...)
package contracts
