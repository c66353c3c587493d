package execerr

// Result carries either a value or a classified error.
type Result[T any] struct {
	value T
	err   *Error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

func Err[T any](err *Error) Result[T] {
	if err == nil {
		err = New(KindUnknown, "", "nil error")
	}
	return Result[T]{err: err}
}

func (r Result[T]) IsOk() bool {
	return r.err == nil
}

func (r Result[T]) Value() T {
	return r.value
}

func (r Result[T]) Err() *Error {
	return r.err
}

// Unwrap converts the result into the usual (value, error) pair without the
// typed-nil pitfall.
func (r Result[T]) Unwrap() (T, error) {
	if r.err == nil {
		return r.value, nil
	}
	return r.value, r.err
}

func (r Result[T]) Retryable() bool {
	return r.err != nil && r.err.Kind.Retryable()
}
