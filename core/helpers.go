package orchestration

import (
	"context"
	"fmt"
	"time"
)

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

// callBounded runs call on its own goroutine and gives up once ctx is done,
// so a provider that ignores its context cannot hold the turn past the
// stage timeout.
func callBounded[T any](ctx context.Context, name string, call func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	results := make(chan result, 1)
	go func() {
		var value T
		err := panicSafeNamedWorker(name, func(ctx context.Context) error {
			var err error
			value, err = call(ctx)
			return err
		})(ctx)
		results <- result{value: value, err: err}
	}()

	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s timed out: %w", name, ctx.Err())
	}
}

func milliseconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
