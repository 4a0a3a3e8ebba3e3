package contracts

import "fmt"

// Result holds either a value or an error, never both
type Result[T any] struct {
	value T
	err   error
}

// OK wraps a successful value
func OK[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Failed wraps an error. A nil error is replaced so the result is never
// mistaken for success.
func Failed[T any](err error) Result[T] {
	if err == nil {
		err = fmt.Errorf("rabbitkit: failed result without error detail")
	}
	return Result[T]{err: err}
}

// OK reports whether the result holds a value
func (r Result[T]) OK() bool {
	return r.err == nil
}

// Err returns the error detail, or nil
func (r Result[T]) Err() error {
	return r.err
}

// Value returns the value. It panics when the result holds an error, so the
// result must be inspected first.
func (r Result[T]) Value() T {
	if r.err != nil {
		panic(fmt.Sprintf("rabbitkit: Value called on failed result: %v", r.err))
	}
	return r.value
}

// Get returns the value and error in the conventional Go form
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

func (r Result[T]) String() string {
	if r.err != nil {
		return fmt.Sprintf("[Result error=%v]", r.err)
	}
	return fmt.Sprintf("[Result value=%v]", r.value)
}
