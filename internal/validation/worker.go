package validation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/events"
)

// WorkerConfig defines validation worker configuration
type WorkerConfig struct {
	Enabled     bool
	IntervalSec int
}

// Resubmitter retries provider submissions that failed transiently
type Resubmitter interface {
	RetrySubmissions(ctx context.Context) ([]events.Event, error)
}

// Worker expires overdue challenges, retries stalled submissions and polls
// in-flight certificates on a fixed interval
type Worker struct {
	coordinator *Coordinator
	resubmitter Resubmitter
	dispatcher  *events.Dispatcher
	config      WorkerConfig
	logger      *logrus.Entry
	ctx         context.Context
	cancel      context.CancelFunc
	stoppedChan chan struct{}
}

// NewWorker creates a new validation worker
func NewWorker(coordinator *Coordinator, dispatcher *events.Dispatcher, config WorkerConfig, logger *logrus.Entry) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		coordinator: coordinator,
		dispatcher:  dispatcher,
		config:      config,
		logger:      logger.WithField("component", "validation-worker"),
		ctx:         ctx,
		cancel:      cancel,
		stoppedChan: make(chan struct{}),
	}
}

// SetResubmitter adds a submission retry pass to every tick. Call before Start.
func (w *Worker) SetResubmitter(r Resubmitter) {
	w.resubmitter = r
}

// Start starts the worker
func (w *Worker) Start() {
	if !w.config.Enabled {
		w.logger.Info("Disabled, skipping")
		close(w.stoppedChan)
		return
	}
	w.logger.WithField("interval_sec", w.config.IntervalSec).Info("Starting validation worker")
	go w.run()
}

// Stop stops the worker and waits for the current tick to finish
func (w *Worker) Stop() {
	w.cancel()
	<-w.stoppedChan
	w.logger.Info("Stopped")
}

func (w *Worker) run() {
	defer close(w.stoppedChan)

	interval := time.Duration(w.config.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	w.Tick(w.ctx)

	for {
		select {
		case <-ticker.C:
			w.Tick(w.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

// Tick runs one expiry sweep, one submission retry pass and one poll pass
func (w *Worker) Tick(ctx context.Context) {
	expired, err := w.coordinator.ExpireOverdue(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Expiry sweep finished with errors")
	}
	w.dispatcher.Dispatch(ctx, expired)

	var resubmitted []events.Event
	if w.resubmitter != nil {
		resubmitted, err = w.resubmitter.RetrySubmissions(ctx)
		if err != nil {
			w.logger.WithError(err).Warn("Submission retry pass finished with errors")
		}
		w.dispatcher.Dispatch(ctx, resubmitted)
	}

	polled, err := w.coordinator.PollInFlight(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Poll pass finished with errors")
	}
	w.dispatcher.Dispatch(ctx, polled)

	if n := len(expired) + len(resubmitted) + len(polled); n > 0 {
		w.logger.WithField("events", n).Info("Validation tick applied transitions")
	}
}
