package resilience

import (
	"context"
	"time"

	"github.com/jonwraymond/toolrun"
)

// ExecuteWithTimeout runs op bound by the given timeout. The operation
// runs in its own goroutine: when the deadline passes the caller gets
// toolrun.ErrTimeout immediately and the worker is freed even if op is
// stuck. op must honor ctx to stop doing work.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return toolrun.ErrTimeout
		}
		return ctx.Err()
	}
}
