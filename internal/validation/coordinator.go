// Package validation tracks outstanding domain-control challenges and moves
// certificates from submission to issuance, driven by polls and webhooks.
package validation

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/cache"
	"go_certorch/internal/certerr"
	"go_certorch/internal/events"
	"go_certorch/internal/lifecycle"
	"go_certorch/internal/lock"
	"go_certorch/internal/model"
	"go_certorch/internal/provider"
	"go_certorch/internal/store"
)

// ErrUnverifiedCallback is returned for webhooks that no adapter vouches for
var ErrUnverifiedCallback = errors.New("provider callback could not be verified")

// Providers is the part of the registry the coordinator needs
type Providers interface {
	Get(name string) (provider.Adapter, bool)
	Call(ctx context.Context, a provider.Adapter, op string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Options tunes the coordinator
type Options struct {
	CallTimeout  time.Duration // per provider call
	ChallengeTTL time.Duration // used when the provider gives no challenge deadline
	ReplayTTL    time.Duration // how long a webhook signal id is remembered
	BatchSize    int
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = 24 * time.Hour
	}
	if o.ReplayTTL <= 0 {
		o.ReplayTTL = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
}

// Coordinator is safe for concurrent use. Provider calls run without any
// certificate lock held; results are committed under the lock only if the
// certificate is still in the state the call started from.
type Coordinator struct {
	store     store.Store
	providers Providers
	machine   *lifecycle.Machine
	locker    lock.Locker
	replay    cache.KV
	opts      Options
	logger    *logrus.Entry
	now       func() time.Time
}

// New creates a coordinator. replay may be nil, in which case webhook
// idempotence rests on the certificate state alone.
func New(st store.Store, providers Providers, machine *lifecycle.Machine, locker lock.Locker, replay cache.KV, opts Options, logger *logrus.Entry) *Coordinator {
	opts.defaults()
	return &Coordinator{
		store:     st,
		providers: providers,
		machine:   machine,
		locker:    locker,
		replay:    replay,
		opts:      opts,
		logger:    logger.WithField("component", "validation"),
		now:       time.Now,
	}
}

// SetClock overrides the time source
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) adapter(name string) (provider.Adapter, error) {
	a, ok := c.providers.Get(name)
	if !ok {
		return nil, &certerr.ProviderUnavailableError{Provider: name, Err: errors.New("provider not registered")}
	}
	return a, nil
}

// mutation runs with the certificate (and its renewal predecessor, if any)
// locked and freshly loaded
type mutation func(b *lifecycle.Batch, cert, pred *model.Certificate) error

// apply locks certID, reloads it and runs fn when the status is one of
// expect. Anything else means another path already moved the certificate,
// and apply returns without doing anything.
func (c *Coordinator) apply(ctx context.Context, certID int, expect []string, fn mutation) ([]events.Event, error) {
	peek, err := c.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	ids := []int{certID}
	if peek.RenewalOfID != nil {
		ids = append(ids, *peek.RenewalOfID)
	}
	sort.Ints(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lock.CertificateKey(id)
	}

	unlock, err := lock.LockOrdered(ctx, c.locker, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cert, err := c.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if !oneOf(cert.Status, expect) {
		return nil, nil
	}
	var pred *model.Certificate
	if cert.RenewalOfID != nil {
		if pred, err = c.store.GetCertificate(ctx, *cert.RenewalOfID); err != nil {
			return nil, err
		}
	}

	b := c.machine.NewBatch(c.now())
	if err := fn(b, cert, pred); err != nil {
		return nil, err
	}
	if b.Empty() {
		return nil, nil
	}
	if err := c.store.Commit(ctx, b.Change()); err != nil {
		return nil, err
	}
	return b.Events(), nil
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// BeginValidation fetches the challenges for a submitted certificate,
// persists them and moves it to pending_validation. With no challenges
// outstanding it goes straight on to issuance.
func (c *Coordinator) BeginValidation(ctx context.Context, certID int) ([]events.Event, error) {
	cert, err := c.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusRequested {
		return nil, nil
	}
	if cert.ProviderCertificateID == "" {
		return nil, &certerr.InvalidStateError{Current: cert.Status, Operation: "begin validation before submission"}
	}
	a, err := c.adapter(cert.ProviderName)
	if err != nil {
		return nil, err
	}

	var descs []provider.ChallengeDescriptor
	err = c.providers.Call(ctx, a, "get_validation_instructions", c.opts.CallTimeout, func(ctx context.Context) error {
		var cerr error
		descs, cerr = a.GetValidationInstructions(ctx, cert.ProviderCertificateID)
		return cerr
	})
	if err != nil {
		if certerr.IsRetryable(err) {
			// stays requested, the poll worker tries again
			return nil, err
		}
		return c.fail(ctx, certID, err.Error())
	}

	evs, err := c.apply(ctx, certID, []string{model.CertificateStatusRequested}, func(b *lifecycle.Batch, cert, pred *model.Certificate) error {
		challenges, err := c.challengesFrom(cert, descs, b.At())
		if err != nil {
			return err
		}
		if err := b.Fire(cert, lifecycle.Transition{Trigger: lifecycle.TriggerSubmitOK}); err != nil {
			return err
		}
		if len(challenges) == 0 {
			return b.Fire(cert, lifecycle.Transition{Trigger: lifecycle.TriggerChallengesSatisfied})
		}
		b.AddChallenges(challenges...)
		return nil
	})
	if err != nil || len(descs) > 0 {
		return evs, err
	}

	more, err := c.PollOrReceive(ctx, certID, nil)
	return append(evs, more...), err
}

func (c *Coordinator) challengesFrom(cert *model.Certificate, descs []provider.ChallengeDescriptor, now time.Time) ([]*model.ValidationChallenge, error) {
	out := make([]*model.ValidationChallenge, 0, len(descs))
	for _, d := range descs {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to encode challenge for %s: %w", d.Domain, err)
		}
		typ := d.Type
		if typ == "" {
			typ = model.ChallengeTypeDNS01
		}
		expires := d.ExpiresAt
		if expires.IsZero() {
			expires = now.Add(c.opts.ChallengeTTL)
		}
		domain := d.Domain
		if domain == "" {
			domain = cert.Domain
		}
		out = append(out, &model.ValidationChallenge{
			CertificateID: cert.ID,
			Domain:        domain,
			Type:          typ,
			Instructions:  raw,
			Status:        model.ChallengeStatusPending,
			CreatedAt:     now,
			ExpiresAt:     expires,
		})
	}
	return out, nil
}

// PollOrReceive re-reads the provider's view of a certificate and applies
// whatever transition it implies. sig is the verified webhook that
// prompted the poll, or nil for scheduled polls.
func (c *Coordinator) PollOrReceive(ctx context.Context, certID int, sig *provider.Signal) ([]events.Event, error) {
	cert, err := c.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}

	switch cert.Status {
	case model.CertificateStatusRequested:
		if cert.ProviderCertificateID == "" {
			return nil, nil
		}
		return c.BeginValidation(ctx, certID)
	case model.CertificateStatusPendingValidation, model.CertificateStatusIssuing:
	default:
		// already settled; a replayed signal ends here
		return nil, nil
	}

	if cert.Status == model.CertificateStatusPendingValidation {
		evs, expired, err := c.expire(ctx, certID)
		if err != nil || expired {
			return evs, err
		}
	}

	a, err := c.adapter(cert.ProviderName)
	if err != nil {
		return nil, err
	}

	var snap *provider.StatusSnapshot
	err = c.providers.Call(ctx, a, "get_certificate_status", c.opts.CallTimeout, func(ctx context.Context) error {
		var cerr error
		snap, cerr = a.GetCertificateStatus(ctx, cert.ProviderCertificateID)
		return cerr
	})
	if err != nil {
		if certerr.IsRetryable(err) {
			c.logger.WithError(err).WithField("certificate_id", certID).Warn("status poll failed, will retry")
			return nil, err
		}
		return c.fail(ctx, certID, err.Error())
	}

	log := c.logger.WithFields(logrus.Fields{
		"certificate_id":  certID,
		"provider_status": snap.Status,
	})
	if sig != nil {
		log = log.WithField("signal", sig.ID)
	}
	log.Debug("provider status read")

	switch snap.Status {
	case provider.StatusPending:
		return nil, nil

	case provider.StatusValidated, provider.StatusIssued:
		evs, err := c.markSatisfied(ctx, certID)
		if err != nil || snap.Status != provider.StatusIssued {
			return evs, err
		}
		more, err := c.issue(ctx, certID, a, snap)
		return append(evs, more...), err

	case provider.StatusFailed:
		msg := snap.Error
		if msg == "" {
			msg = "provider reported failure without detail"
		}
		return c.fail(ctx, certID, msg)

	case provider.StatusRevoked:
		return c.fail(ctx, certID, "provider reports the certificate as revoked")
	}
	return nil, fmt.Errorf("provider %s returned unknown status %q", a.Name(), snap.Status)
}

// markSatisfied closes open challenges and moves the certificate to issuing
func (c *Coordinator) markSatisfied(ctx context.Context, certID int) ([]events.Event, error) {
	return c.apply(ctx, certID, []string{model.CertificateStatusPendingValidation}, func(b *lifecycle.Batch, cert, pred *model.Certificate) error {
		challenges, err := c.store.ListChallenges(ctx, cert.ID)
		if err != nil {
			return err
		}
		// a challenge that ran out while the provider was being asked still loses
		if expired, err := c.expireLocked(b, cert, pred, challenges); expired || err != nil {
			return err
		}
		for _, v := range challenges {
			if v.IsOpen() {
				v.Close(model.ChallengeStatusSatisfied, b.At())
				b.UpdateChallenges(v)
			}
		}
		return b.Fire(cert, lifecycle.Transition{Trigger: lifecycle.TriggerChallengesSatisfied})
	})
}

// issue downloads the certificate and activates it
func (c *Coordinator) issue(ctx context.Context, certID int, a provider.Adapter, snap *provider.StatusSnapshot) ([]events.Event, error) {
	cert, err := c.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusIssuing {
		return nil, nil
	}

	var bundle *provider.Bundle
	err = c.providers.Call(ctx, a, "download_certificate", c.opts.CallTimeout, func(ctx context.Context) error {
		var cerr error
		bundle, cerr = a.DownloadCertificate(ctx, cert.ProviderCertificateID)
		return cerr
	})
	if err != nil {
		var serr *certerr.InvalidStateError
		if errors.As(err, &serr) || certerr.IsRetryable(err) {
			// not downloadable yet, the next poll tries again
			c.logger.WithError(err).WithField("certificate_id", certID).Info("certificate not downloadable yet")
			return nil, nil
		}
		return c.fail(ctx, certID, err.Error())
	}

	issuedAt, expiresAt := bundle.IssuedAt, bundle.ExpiresAt
	if issuedAt == nil {
		issuedAt = snap.IssuedAt
	}
	if expiresAt == nil {
		expiresAt = snap.ExpiresAt
	}
	if issuedAt == nil || expiresAt == nil {
		if nb, na, ok := validity(bundle.LeafPem); ok {
			issuedAt, expiresAt = &nb, &na
		}
	}

	return c.apply(ctx, certID, []string{model.CertificateStatusIssuing}, func(b *lifecycle.Batch, cert, pred *model.Certificate) error {
		return b.FireRenewal(cert, pred, lifecycle.Transition{
			Trigger:   lifecycle.TriggerIssued,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
			CertPem:   bundle.LeafPem,
			ChainPem:  bundle.ChainPem,
			KeyPem:    bundle.PrivateKey,
		})
	})
}

// validity reads NotBefore/NotAfter from the first PEM certificate
func validity(leafPem string) (time.Time, time.Time, bool) {
	block, _ := pem.Decode([]byte(leafPem))
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, time.Time{}, false
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return leaf.NotBefore, leaf.NotAfter, true
}

// fail moves a certificate still in flight to failed with msg, verbatim
func (c *Coordinator) fail(ctx context.Context, certID int, msg string) ([]events.Event, error) {
	inFlight := []string{
		model.CertificateStatusRequested,
		model.CertificateStatusPendingValidation,
		model.CertificateStatusIssuing,
	}
	return c.apply(ctx, certID, inFlight, func(b *lifecycle.Batch, cert, pred *model.Certificate) error {
		trigger := lifecycle.TriggerIssueError
		switch cert.Status {
		case model.CertificateStatusRequested:
			trigger = lifecycle.TriggerSubmitError
		case model.CertificateStatusPendingValidation:
			trigger = lifecycle.TriggerValidationFailed
			challenges, err := c.store.ListChallenges(ctx, cert.ID)
			if err != nil {
				return err
			}
			closeOpen(b, challenges, model.ChallengeStatusExpired)
		}
		return b.FireRenewal(cert, pred, lifecycle.Transition{Trigger: trigger, Error: msg})
	})
}

func closeOpen(b *lifecycle.Batch, challenges []*model.ValidationChallenge, status string) {
	for _, v := range challenges {
		if v.IsOpen() {
			v.Close(status, b.At())
			b.UpdateChallenges(v)
		}
	}
}

// expire fails certID when one of its challenges is past its deadline.
// expired reports whether an overdue challenge was found.
func (c *Coordinator) expire(ctx context.Context, certID int) ([]events.Event, bool, error) {
	challenges, err := c.store.ListChallenges(ctx, certID)
	if err != nil {
		return nil, false, err
	}
	if firstOverdue(challenges, c.now()) == nil {
		return nil, false, nil
	}
	evs, err := c.apply(ctx, certID, []string{model.CertificateStatusPendingValidation}, func(b *lifecycle.Batch, cert, pred *model.Certificate) error {
		challenges, err := c.store.ListChallenges(ctx, cert.ID)
		if err != nil {
			return err
		}
		_, err = c.expireLocked(b, cert, pred, challenges)
		return err
	})
	return evs, true, err
}

func firstOverdue(challenges []*model.ValidationChallenge, now time.Time) *model.ValidationChallenge {
	for _, v := range challenges {
		if v.Overdue(now) {
			return v
		}
	}
	return nil
}

func (c *Coordinator) expireLocked(b *lifecycle.Batch, cert, pred *model.Certificate, challenges []*model.ValidationChallenge) (bool, error) {
	overdue := firstOverdue(challenges, b.At())
	if overdue == nil {
		return false, nil
	}
	closeOpen(b, challenges, model.ChallengeStatusExpired)
	return true, b.FireRenewal(cert, pred, lifecycle.Transition{
		Trigger: lifecycle.TriggerValidationFailed,
		Error:   TimeoutMessage(overdue),
	})
}

// TimeoutMessage is the fixed failure text for an expired challenge
func TimeoutMessage(v *model.ValidationChallenge) string {
	err := &certerr.TimeoutError{
		Operation: "domain validation",
		Err: fmt.Errorf("%s challenge for %s expired at %s",
			v.Type, v.Domain, v.ExpiresAt.UTC().Format(time.RFC3339)),
	}
	return err.Error()
}

// ExpireOverdue fails every certificate with an overdue challenge
func (c *Coordinator) ExpireOverdue(ctx context.Context) ([]events.Event, error) {
	overdue, err := c.store.ListOverdueChallenges(ctx, c.now(), c.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue challenges: %w", err)
	}

	seen := make(map[int]bool)
	var out []events.Event
	var errs []error
	for _, v := range overdue {
		if seen[v.CertificateID] {
			continue
		}
		seen[v.CertificateID] = true
		evs, _, err := c.expire(ctx, v.CertificateID)
		if err != nil {
			errs = append(errs, fmt.Errorf("certificate %d: %w", v.CertificateID, err))
			continue
		}
		out = append(out, evs...)
	}
	return out, errors.Join(errs...)
}

// HandleWebhook verifies a provider callback and routes it to
// PollOrReceive. Callbacks the provider's adapter cannot verify are dropped.
func (c *Coordinator) HandleWebhook(ctx context.Context, providerName string, header http.Header, body []byte) ([]events.Event, error) {
	log := c.logger.WithField("provider", providerName)

	a, ok := c.providers.Get(providerName)
	if !ok {
		log.Warn("dropping callback for unknown provider")
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnverifiedCallback, providerName)
	}
	verifier, ok := a.(provider.WebhookVerifier)
	if !ok {
		log.Warn("dropping callback, provider does not accept webhooks")
		return nil, fmt.Errorf("%w: %s does not accept callbacks", ErrUnverifiedCallback, providerName)
	}
	sig, err := verifier.VerifyWebhook(header, body)
	if err != nil || sig == nil {
		log.WithError(err).Warn("dropping unverifiable callback")
		return nil, fmt.Errorf("%w: %v", ErrUnverifiedCallback, err)
	}
	log = log.WithFields(logrus.Fields{"signal": sig.ID, "order": sig.ProviderCertificateID})

	replayKey := "webhook:" + providerName + ":" + sig.ID
	if sig.ID != "" && c.replay != nil {
		fresh, err := c.replay.SetNX(ctx, replayKey, []byte(sig.Event), c.opts.ReplayTTL)
		if err != nil {
			log.WithError(err).Warn("replay guard unavailable, relying on certificate state")
		} else if !fresh {
			log.Info("ignoring replayed callback")
			return nil, nil
		}
	}

	// a failed callback frees its signal id so the provider's redelivery is processed
	release := func() {
		if sig.ID != "" && c.replay != nil {
			_ = c.replay.Delete(ctx, replayKey)
		}
	}

	cert, err := c.store.FindByProviderID(ctx, providerName, sig.ProviderCertificateID)
	if err != nil {
		log.WithError(err).Warn("callback for unknown certificate")
		release()
		return nil, err
	}

	evs, err := c.PollOrReceive(ctx, cert.ID, sig)
	if err != nil {
		release()
	}
	return evs, err
}

// PollInFlight polls a batch of certificates waiting on their provider
func (c *Coordinator) PollInFlight(ctx context.Context) ([]events.Event, error) {
	certs, err := c.store.ListByStatus(ctx, []string{
		model.CertificateStatusRequested,
		model.CertificateStatusPendingValidation,
		model.CertificateStatusIssuing,
	}, c.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight certificates: %w", err)
	}

	var out []events.Event
	var errs []error
	for _, cert := range certs {
		if ctx.Err() != nil {
			break
		}
		if cert.ProviderCertificateID == "" {
			continue
		}
		evs, err := c.PollOrReceive(ctx, cert.ID, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("certificate %d: %w", cert.ID, err))
		}
		out = append(out, evs...)
	}
	return out, errors.Join(errs...)
}
