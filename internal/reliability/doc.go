// Package reliability provides the retry policies used to re-establish
// producer and consumer channels after a transport drop.
//
// Policies decide whether another attempt is made and how long to wait:
//   - ExponentialBackoff: capped exponential delay with optional jitter
//   - FixedDelay: constant delay, mostly useful in tests
//
// Errors classified as permanent (topology conflicts, broker rejections,
// invalid references, closed engines) are never retried.
package reliability
