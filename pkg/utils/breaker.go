package utils

import (
	"context"

	"github.com/sony/gobreaker"
)

// ExecuteWithBreaker runs fn through cb. A call whose ctx is already done is
// rejected up front and never counts against the breaker.
func ExecuteWithBreaker[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	res, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	return res.(T), nil
}
