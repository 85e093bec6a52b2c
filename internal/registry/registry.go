// Package registry holds the configured provider adapters, tracks their
// health and picks one for each operation.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go_certorch/internal/certerr"
	"go_certorch/internal/events"
	"go_certorch/internal/metrics"
	"go_certorch/internal/model"
	"go_certorch/internal/provider"
	"go_certorch/internal/store"
)

// Options tunes health accounting
type Options struct {
	FailureThreshold int           // consecutive failures before a provider leaves rotation
	Cooldown         time.Duration // half-open retry after this long since the last failure
	CheckTimeout     time.Duration
	CheckConcurrency int
}

func (o *Options) defaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 10 * time.Second
	}
	if o.CheckConcurrency <= 0 {
		o.CheckConcurrency = 4
	}
}

type entry struct {
	adapter  provider.Adapter
	priority int

	mu     sync.Mutex
	health model.ProviderHealthRecord
}

// Registry is safe for concurrent use. Health of each provider is guarded by
// its own mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ordered []*entry

	opts   Options
	health store.HealthStore
	logger *logrus.Entry
	now    func() time.Time
}

// New creates an empty registry. health may be nil.
func New(opts Options, health store.HealthStore, logger *logrus.Entry) *Registry {
	opts.defaults()
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		health:  health,
		logger:  logger.WithField("component", "provider-registry"),
		now:     time.Now,
	}
}

// Register adds adapter. Lower priority values are preferred.
func (r *Registry) Register(a provider.Adapter, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return fmt.Errorf("provider adapter has empty name")
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("provider %s already registered", name)
	}
	e := &entry{
		adapter:  a,
		priority: priority,
		health:   model.ProviderHealthRecord{ProviderName: name, Available: true},
	}
	r.entries[name] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].priority != r.ordered[j].priority {
			return r.ordered[i].priority < r.ordered[j].priority
		}
		return r.ordered[i].adapter.Name() < r.ordered[j].adapter.Name()
	})
	metrics.ProviderHealthy(name, true)
	return nil
}

// Restore loads persisted health records for registered providers
func (r *Registry) Restore(ctx context.Context) error {
	if r.health == nil {
		return nil
	}
	recs, err := r.health.LoadHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider health: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range recs {
		if e, ok := r.entries[rec.ProviderName]; ok {
			e.mu.Lock()
			e.health = rec
			e.mu.Unlock()
			metrics.ProviderHealthy(rec.ProviderName, rec.Available)
		}
	}
	return nil
}

// Get returns the adapter registered as name
func (r *Registry) Get(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Names lists the registered providers in selection order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	for i, e := range r.ordered {
		out[i] = e.adapter.Name()
	}
	return out
}

func (r *Registry) healthy(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.Available {
		return true
	}
	// half-open: let traffic through again once the cooldown has passed
	return r.opts.Cooldown > 0 && e.health.LastFailureAt != nil &&
		r.now().Sub(*e.health.LastFailureAt) >= r.opts.Cooldown
}

// IsHealthy reports whether name is currently in rotation
func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	return ok && r.healthy(e)
}

// Select returns the named adapter, or the preferred healthy one when name
// is empty. An explicit but unhealthy provider is never replaced.
func (r *Registry) Select(name string) (provider.Adapter, error) {
	if name != "" {
		r.mu.RLock()
		e, ok := r.entries[name]
		r.mu.RUnlock()
		if !ok {
			return nil, certerr.Invalid("provider", "unknown provider %q", name)
		}
		if !r.healthy(e) {
			return nil, &certerr.ProviderUnavailableError{Provider: name}
		}
		return e.adapter, nil
	}
	return r.SelectExcluding()
}

// SelectExcluding returns the preferred healthy adapter not named in exclude
func (r *Registry) SelectExcluding(exclude ...string) (provider.Adapter, error) {
	skip := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		skip[n] = true
	}

	r.mu.RLock()
	ordered := append([]*entry(nil), r.ordered...)
	r.mu.RUnlock()

	for _, e := range ordered {
		if skip[e.adapter.Name()] {
			continue
		}
		if r.healthy(e) {
			return e.adapter, nil
		}
	}
	return nil, &certerr.NoProviderAvailableError{}
}

// RecordFailure counts a failed call or health check against name
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.now()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}

	e.mu.Lock()
	e.health.ConsecutiveFailures++
	e.health.LastFailureAt = &now
	e.health.LastError = &msg
	wasAvailable := e.health.Available
	if e.health.ConsecutiveFailures >= r.opts.FailureThreshold {
		e.health.Available = false
	}
	rec := e.health
	e.mu.Unlock()

	if wasAvailable && !rec.Available {
		r.logger.WithFields(logrus.Fields{
			"provider": name,
			"failures": rec.ConsecutiveFailures,
		}).Warn("provider marked unavailable")
	}
	metrics.ProviderHealthy(name, rec.Available)
	r.persist(rec)
}

// RecordSuccess puts name back in rotation
func (r *Registry) RecordSuccess(name string) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	changed := !e.health.Available || e.health.ConsecutiveFailures > 0
	e.health.ConsecutiveFailures = 0
	e.health.Available = true
	e.health.LastError = nil
	rec := e.health
	e.mu.Unlock()

	if changed {
		metrics.ProviderHealthy(name, true)
		r.persist(rec)
	}
}

func (r *Registry) markChecked(name string, at time.Time) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.health.LastCheckAt = &at
	rec := e.health
	e.mu.Unlock()
	r.persist(rec)
}

// persist is best effort; the in-memory record stays authoritative
func (r *Registry) persist(rec model.ProviderHealthRecord) {
	if r.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.health.SaveHealth(ctx, rec); err != nil {
		r.logger.WithError(err).WithField("provider", rec.ProviderName).Warn("failed to persist provider health")
	}
}

// RunHealthChecks checks every adapter and returns one
// provider-health-check-failed event per failed check. It never fails.
func (r *Registry) RunHealthChecks(ctx context.Context) []events.Event {
	r.mu.RLock()
	ordered := append([]*entry(nil), r.ordered...)
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		out []events.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.CheckConcurrency)

	for _, e := range ordered {
		a := e.adapter
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.opts.CheckTimeout)
			defer cancel()

			start := time.Now()
			res := a.TestConnection(pctx)
			metrics.ProviderCall(a.Name(), "test_connection", res.Error, time.Since(start))
			checkedAt := r.now()
			r.markChecked(a.Name(), checkedAt)

			if res.Healthy {
				r.RecordSuccess(a.Name())
				return nil
			}

			err := res.Error
			if err == nil {
				err = fmt.Errorf("health check reported unhealthy")
			}
			r.RecordFailure(a.Name(), err)

			ev := events.New(events.KindProviderHealthFailed, checkedAt)
			ev.Provider = a.Name()
			ev.Error = err.Error()
			mu.Lock()
			out = append(out, ev)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	if len(out) > 0 {
		names := make([]string, len(out))
		for i, ev := range out {
			names[i] = ev.Provider
		}
		r.logger.WithField("providers", strings.Join(names, ",")).Warn("provider health checks failed")
	}
	return out
}

// Status is one provider's view for the API
type Status struct {
	Name     string                     `json:"name"`
	Priority int                        `json:"priority"`
	Healthy  bool                       `json:"healthy"`
	Types    []string                   `json:"certificateTypes"`
	Health   model.ProviderHealthRecord `json:"health"`
}

// Snapshot returns every provider in selection order
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	ordered := append([]*entry(nil), r.ordered...)
	r.mu.RUnlock()

	out := make([]Status, 0, len(ordered))
	for _, e := range ordered {
		healthy := r.healthy(e)
		e.mu.Lock()
		rec := e.health
		e.mu.Unlock()
		out = append(out, Status{
			Name:     e.adapter.Name(),
			Priority: e.priority,
			Healthy:  healthy,
			Types:    e.adapter.SupportedCertificateTypes(),
			Health:   rec,
		})
	}
	return out
}
