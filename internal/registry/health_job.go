package registry

import (
	"context"

	"go_certorch/internal/events"
)

// HealthJob returns a job body that sweeps all providers and hands the
// failures to dispatcher
func (r *Registry) HealthJob(dispatcher *events.Dispatcher) func(ctx context.Context) {
	return func(ctx context.Context) {
		evs := r.RunHealthChecks(ctx)
		dispatcher.Dispatch(ctx, evs)
	}
}
