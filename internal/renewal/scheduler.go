// Package renewal finds active certificates nearing expiry and renews them
// through the orchestrator.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/events"
	"go_certorch/internal/lock"
	"go_certorch/internal/model"
	"go_certorch/internal/store"
)

// Renewer starts the renewal of one due certificate
type Renewer interface {
	RenewDue(ctx context.Context, certificateID int) ([]events.Event, error)
}

// Options defines the renewal policy
type Options struct {
	Window         time.Duration // renew when expiry is this close
	AlertThreshold time.Duration // alert on failed renewals inside this distance to expiry
	AlertInterval  time.Duration // minimum gap between two alerts for one certificate
	BatchSize      int
}

// DefaultWindow is the renewal window when none is configured
const DefaultWindow = 30 * 24 * time.Hour

func (o *Options) defaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.AlertThreshold <= 0 {
		o.AlertThreshold = 7 * 24 * time.Hour
	}
	if o.AlertInterval <= 0 {
		o.AlertInterval = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// IsDue reports whether cert is active and expires within window of now
func IsDue(cert *model.Certificate, now time.Time, window time.Duration) bool {
	if cert.Status != model.CertificateStatusActive || cert.ExpiresAt == nil {
		return false
	}
	return cert.ExpiresAt.Sub(now) <= window
}

// Scheduler scans for due certificates
type Scheduler struct {
	store   store.Store
	renewer Renewer
	locker  lock.Locker
	opts    Options
	logger  *logrus.Entry
	now     func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(st store.Store, renewer Renewer, locker lock.Locker, opts Options, logger *logrus.Entry) *Scheduler {
	opts.defaults()
	return &Scheduler{
		store:   st,
		renewer: renewer,
		locker:  locker,
		opts:    opts,
		logger:  logger.WithField("component", "renewal-scheduler"),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Window returns the configured renewal window
func (s *Scheduler) Window() time.Duration {
	return s.opts.Window
}

// ScanDue returns active certificates whose expiry is within the window
func (s *Scheduler) ScanDue(ctx context.Context, now time.Time) ([]*model.Certificate, error) {
	certs, err := s.store.ListActiveExpiringBefore(ctx, now.Add(s.opts.Window), s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for due certificates: %w", err)
	}
	due := certs[:0]
	for _, c := range certs {
		if IsDue(c, now, s.opts.Window) {
			due = append(due, c)
		}
	}
	return due, nil
}

// RunOnce renews every due certificate and raises expiry alerts for those
// whose renewals keep failing. A failed renewal is left for the next scan.
func (s *Scheduler) RunOnce(ctx context.Context) ([]events.Event, error) {
	now := s.now()
	due, err := s.ScanDue(ctx, now)
	if err != nil {
		return nil, err
	}

	var out []events.Event
	var errs []error
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		evs, err := s.renewer.RenewDue(ctx, c.ID)
		out = append(out, evs...)
		if err != nil {
			s.logger.WithError(err).WithField("certificate_id", c.ID).Warn("renewal attempt failed, retrying next scan")
			errs = append(errs, fmt.Errorf("certificate %d: %w", c.ID, err))
		}
	}

	for _, c := range due {
		ev, err := s.alert(ctx, c.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert for certificate %d: %w", c.ID, err))
			continue
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}

	if len(due) > 0 {
		s.logger.WithFields(logrus.Fields{"due": len(due), "events": len(out)}).Info("renewal scan finished")
	}
	return out, errors.Join(errs...)
}

// alert emits certificate-expiring for a certificate still active after
// failed renewals, at most once per AlertInterval
func (s *Scheduler) alert(ctx context.Context, certID int, now time.Time) (*events.Event, error) {
	unlock, err := s.locker.Lock(ctx, lock.CertificateKey(certID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CertificateStatusActive || c.RenewalFailures == 0 || c.ExpiresAt == nil {
		return nil, nil
	}
	left := c.ExpiresAt.Sub(now)
	if left > s.opts.AlertThreshold {
		return nil, nil
	}
	if c.ExpiryAlertedAt != nil && now.Sub(*c.ExpiryAlertedAt) < s.opts.AlertInterval {
		return nil, nil
	}

	c.ExpiryAlertedAt = &now
	change := store.Change{Certificates: []*model.Certificate{c}}
	change.Expecting(c, model.CertificateStatusActive)
	if err := s.store.Commit(ctx, change); err != nil {
		return nil, err
	}

	ev := events.New(events.KindCertificateExpiring, now)
	ev.CertificateID = c.ID
	ev.SubscriptionID = c.SubscriptionID
	ev.Domain = c.Domain
	ev.Provider = c.ProviderName
	ev.DaysUntilExpiry = int(math.Floor(left.Hours() / 24))
	ev.Expired = left <= 0
	ev.Error = model.SVal(c.LastError)
	return &ev, nil
}

// Job returns a job body for the cron runner
func (s *Scheduler) Job(dispatcher *events.Dispatcher) func(ctx context.Context) {
	return func(ctx context.Context) {
		evs, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("renewal scan finished with errors")
		}
		dispatcher.Dispatch(ctx, evs)
	}
}
