package registry

import (
	"context"
	"errors"
	"time"

	"go_certorch/internal/certerr"
	"go_certorch/internal/metrics"
	"go_certorch/internal/provider"
)

// Call runs fn against a under a finite deadline. An expired deadline
// becomes a TimeoutError. Unavailable and timed-out calls count against the
// provider's health; a completed call puts it back in rotation.
func (r *Registry) Call(ctx context.Context, a provider.Adapter, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	metrics.ProviderCall(a.Name(), op, err, time.Since(start))

	if err != nil && ctx.Err() != nil {
		// caller gave up (shutdown or request cancelled), not the provider's fault
		return err
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		var te *certerr.TimeoutError
		if !errors.As(err, &te) {
			err = &certerr.TimeoutError{Operation: a.Name() + " " + op, Err: err}
		}
	}

	switch {
	case err == nil:
		r.RecordSuccess(a.Name())
	case certerr.IsRetryable(err):
		r.RecordFailure(a.Name(), err)
	}
	return err
}
