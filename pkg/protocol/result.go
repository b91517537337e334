package protocol

import "fmt"

// ErrorBody is the failure half of a Result.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the discriminated success/failure value returned across the
// CLI and HTTP boundary. Exactly one of Value and Error is meaningful,
// selected by OK.
type Result[T any] struct {
	OK    bool       `json:"ok"`
	Value T          `json:"value,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

// Fail wraps an error.
func Fail[T any](err error) Result[T] {
	return Result[T]{Error: &ErrorBody{Kind: KindOf(err), Message: err.Error()}}
}

// From builds a Result from the usual (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

// Call runs fn and converts its outcome, including a panic, into a Result.
func Call[T any](fn func() (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Error: &ErrorBody{Kind: KindInternal, Message: fmt.Sprintf("panic: %v", r)}}
		}
	}()
	return From(fn())
}
