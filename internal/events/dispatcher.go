package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/metrics"
)

// Sink receives batches of events
type Sink interface {
	Publish(ctx context.Context, evs []Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, evs []Event) error

// Publish implements Sink
func (f SinkFunc) Publish(ctx context.Context, evs []Event) error {
	return f(ctx, evs)
}

// Dispatcher fans events out to every sink. A failing sink is logged and
// does not stop the others.
type Dispatcher struct {
	sinks  []Sink
	logger *logrus.Entry
}

// NewDispatcher creates a dispatcher over sinks
func NewDispatcher(logger *logrus.Entry, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.WithField("component", "event-dispatcher"),
	}
}

// Dispatch delivers evs to all sinks
func (d *Dispatcher) Dispatch(ctx context.Context, evs []Event) {
	if d == nil || len(evs) == 0 {
		return
	}
	for _, e := range evs {
		metrics.EventEmitted(string(e.Kind))
	}
	for _, s := range d.sinks {
		if err := s.Publish(ctx, evs); err != nil {
			d.logger.WithError(err).Warnf("Sink %T failed to publish %d events", s, len(evs))
		}
	}
}

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink creates a log sink
func NewLogSink(logger *logrus.Entry) *LogSink {
	return &LogSink{logger: logger.WithField("component", "events")}
}

// Publish implements Sink
func (s *LogSink) Publish(_ context.Context, evs []Event) error {
	for _, e := range evs {
		s.logger.WithFields(logrus.Fields{
			"event_id":       e.ID,
			"kind":           e.Kind,
			"certificate_id": e.CertificateID,
			"subscription":   e.SubscriptionID,
			"provider":       e.Provider,
		}).Info("Lifecycle event")
	}
	return nil
}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink
func (r *Recorder) Publish(_ context.Context, evs []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
