package util

import (
	"context"
	"time"
)

// CallWithTimeout runs fn under a context bounded by d and returns as soon as
// either fn finishes or the bound expires. On expiry it returns ctx.Err()
// without waiting for fn; fn sees its context cancelled and is expected to
// return promptly.
func CallWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
