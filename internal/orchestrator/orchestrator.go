// Package orchestrator is the entry point for callers: request, renew and
// revoke certificates, and read their state. It composes the provider
// registry, the lifecycle machine and the validation coordinator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/certerr"
	"go_certorch/internal/domainutil"
	"go_certorch/internal/events"
	"go_certorch/internal/lifecycle"
	"go_certorch/internal/lock"
	"go_certorch/internal/model"
	"go_certorch/internal/provider"
	"go_certorch/internal/registry"
	"go_certorch/internal/renewal"
	"go_certorch/internal/store"
	"go_certorch/internal/validation"
)

// Options tunes the orchestrator
type Options struct {
	CallTimeout   time.Duration
	RenewalWindow time.Duration
	// MaxSubmitAttempts bounds how often a submission that failed with a
	// retryable error is tried before the certificate fails
	MaxSubmitAttempts int
	RetryBatchSize    int
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MaxSubmitAttempts <= 0 {
		o.MaxSubmitAttempts = 5
	}
	if o.RetryBatchSize <= 0 {
		o.RetryBatchSize = 50
	}
	if o.RenewalWindow <= 0 {
		o.RenewalWindow = renewal.DefaultWindow
	}
}

// Request asks for a new certificate
type Request struct {
	SubscriptionID  int
	Domain          string
	ProviderName    string // empty lets the registry choose
	CertificateType string // empty picks dv or dv-wildcard from the domain
}

// RenewOptions tunes RenewCertificate
type RenewOptions struct {
	Force        bool   // renew even outside the renewal window
	ProviderName string // explicit provider for the new certificate
}

// Result is the record an operation left behind plus the events it produced
type Result struct {
	Certificate *model.Certificate `json:"certificate"`
	Events      []events.Event     `json:"events"`
}

// Orchestrator is safe for concurrent use
type Orchestrator struct {
	store       store.Store
	registry    *registry.Registry
	machine     *lifecycle.Machine
	coordinator *validation.Coordinator
	locker      lock.Locker
	dispatcher  *events.Dispatcher
	opts        Options
	logger      *logrus.Entry
	now         func() time.Time
}

// New creates an orchestrator. dispatcher may be nil.
func New(
	st store.Store,
	reg *registry.Registry,
	machine *lifecycle.Machine,
	coordinator *validation.Coordinator,
	locker lock.Locker,
	dispatcher *events.Dispatcher,
	opts Options,
	logger *logrus.Entry,
) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:       st,
		registry:    reg,
		machine:     machine,
		coordinator: coordinator,
		locker:      locker,
		dispatcher:  dispatcher,
		opts:        opts,
		logger:      logger.WithField("component", "orchestrator"),
		now:         time.Now,
	}
}

// SetClock overrides the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

func (o *Orchestrator) publish(ctx context.Context, res *Result) *Result {
	if res != nil {
		o.dispatcher.Dispatch(ctx, res.Events)
	}
	return res
}

// RequestCertificate validates req, reserves the (subscription, domain)
// slot and submits the order. Input and quota errors are returned before
// anything is written; a provider rejection after that is recorded on the
// certificate, which is returned as failed. A provider outage leaves it
// requested for a later retry.
func (o *Orchestrator) RequestCertificate(ctx context.Context, req Request) (*Result, error) {
	if req.SubscriptionID <= 0 {
		return nil, certerr.Invalid("subscriptionId", "must be positive")
	}
	domain, err := domainutil.CheckIssuable(req.Domain)
	if err != nil {
		return nil, certerr.Invalid("domain", "%v", err)
	}
	certType, err := certificateType(domain, req.CertificateType)
	if err != nil {
		return nil, err
	}

	a, err := o.registry.Select(req.ProviderName)
	if err != nil {
		return nil, err
	}
	if err := checkAdapter(a, domain, certType); err != nil {
		return nil, err
	}

	cert, err := o.reserve(ctx, req.SubscriptionID, domain, certType, a.Name(), req.ProviderName != "")
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"certificate_id": cert.ID,
		"subscription":   cert.SubscriptionID,
		"domain":         cert.Domain,
		"provider":       cert.ProviderName,
	}).Info("certificate requested")

	res, err := o.submit(ctx, cert.ID, a)
	if err != nil {
		return nil, err
	}
	return o.publish(ctx, res), nil
}

func certificateType(domain, requested string) (string, error) {
	wildcard := domainutil.IsWildcard(domain)
	switch {
	case requested == "" && wildcard:
		return model.CertificateTypeDVWildcard, nil
	case requested == "":
		return model.CertificateTypeDV, nil
	case wildcard && requested != model.CertificateTypeDVWildcard:
		return "", certerr.Invalid("certificateType", "wildcard domain %s requires %s", domain, model.CertificateTypeDVWildcard)
	case !wildcard && requested == model.CertificateTypeDVWildcard:
		return "", certerr.Invalid("certificateType", "%s is not a wildcard domain", domain)
	}
	switch requested {
	case model.CertificateTypeDV, model.CertificateTypeDVWildcard, model.CertificateTypeOV:
		return requested, nil
	}
	return "", certerr.Invalid("certificateType", "unknown certificate type %q", requested)
}

func checkAdapter(a provider.Adapter, domain, certType string) error {
	if !provider.Supports(a, certType) {
		return certerr.Invalid("certificateType", "provider %s does not issue %s certificates", a.Name(), certType)
	}
	if err := a.ValidateDomains([]string{domain})[domain]; err != nil {
		return certerr.Invalid("domain", "%v", err)
	}
	return nil
}

// reserve creates the slot-holding record under the subscription lock, so
// the quota check and the insert cannot interleave with another request
func (o *Orchestrator) reserve(ctx context.Context, subscriptionID int, domain, certType, providerName string, pinned bool) (*model.Certificate, error) {
	unlock, err := o.locker.Lock(ctx, lock.SubscriptionKey(subscriptionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := o.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CertificateCount >= sub.MaxDomains {
		return nil, &certerr.LimitExceededError{CurrentCount: sub.CertificateCount, Limit: sub.MaxDomains}
	}
	holder, err := o.store.FindSlotHolder(ctx, subscriptionID, domain)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		return nil, &certerr.InvalidStateError{
			Current:   holder.Status,
			Operation: fmt.Sprintf("request certificate for %s (held by certificate %d)", domain, holder.ID),
		}
	}

	unlockDomain, err := o.claimValidation(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer unlockDomain()

	cert := &model.Certificate{
		SubscriptionID:  subscriptionID,
		Domain:          domain,
		CertificateType: certType,
		Status:          model.CertificateStatusRequested,
		ProviderName:    providerName,
		ProviderPinned:  pinned,
	}
	cert.HoldSlot()
	cert.HoldValidation()
	if err := o.store.CreateCertificate(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// claimValidation locks domain and checks no other certificate is being
// validated for it. The caller creates its record before calling unlock.
func (o *Orchestrator) claimValidation(ctx context.Context, domain string) (func(), error) {
	unlock, err := o.locker.Lock(ctx, lock.DomainKey(domain))
	if err != nil {
		return nil, err
	}
	claim, err := o.store.FindValidationHolder(ctx, domain)
	if err != nil {
		unlock()
		return nil, err
	}
	if claim != nil {
		unlock()
		return nil, &certerr.InvalidStateError{
			Current:   claim.Status,
			Operation: fmt.Sprintf("validate %s (claimed by certificate %d)", domain, claim.ID),
		}
	}
	return unlock, nil
}

// mutate locks certID and its renewal predecessor in id order, reloads both
// and commits whatever fn adds to the batch
func (o *Orchestrator) mutate(ctx context.Context, certID int, fn func(b *lifecycle.Batch, cert, pred *model.Certificate) error) ([]events.Event, *model.Certificate, error) {
	peek, err := o.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, nil, err
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
	unlock, err := lock.LockOrdered(ctx, o.locker, keys...)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	cert, err := o.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, nil, err
	}
	var pred *model.Certificate
	if cert.RenewalOfID != nil {
		if pred, err = o.store.GetCertificate(ctx, *cert.RenewalOfID); err != nil {
			return nil, nil, err
		}
	}
	b := o.machine.NewBatch(o.now())
	if err := fn(b, cert, pred); err != nil {
		return nil, nil, err
	}
	if !b.Empty() {
		if err := o.store.Commit(ctx, b.Change()); err != nil {
			return nil, nil, err
		}
	}
	return b.Events(), cert, nil
}

// submit sends a requested certificate to its provider and starts
// validation. Auto-selected providers that are unavailable are skipped in
// favour of the next healthy one; a pinned provider is never replaced. A
// retryable failure leaves the certificate requested for RetrySubmissions.
func (o *Orchestrator) submit(ctx context.Context, certID int, a provider.Adapter) (*Result, error) {
	unlock, err := o.locker.Lock(ctx, lock.SubmitKey(certID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.submitLocked(ctx, certID, a)
}

// submitLocked is submit for a caller holding the certificate's submit lock
func (o *Orchestrator) submitLocked(ctx context.Context, certID int, a provider.Adapter) (*Result, error) {
	// the order outlives a caller that hangs up; the provider call itself is bounded
	ctx = context.WithoutCancel(ctx)

	cert, err := o.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusRequested || cert.ProviderCertificateID != "" {
		return &Result{Certificate: cert}, nil
	}
	log := o.logger.WithField("certificate_id", certID)

	if cert.ProviderName != a.Name() {
		if err := o.switchProvider(ctx, certID, a.Name()); err != nil {
			return nil, err
		}
	}

	var tried []string
	var created *provider.CreateResult
	for {
		err = o.registry.Call(ctx, a, "create_certificate", o.opts.CallTimeout, func(ctx context.Context) error {
			var cerr error
			created, cerr = a.CreateCertificate(ctx, []string{cert.Domain}, provider.CreateOptions{CertificateType: cert.CertificateType})
			return cerr
		})
		if err == nil {
			break
		}
		tried = append(tried, a.Name())
		if cert.ProviderPinned || !certerr.IsRetryable(err) {
			break
		}
		next, serr := o.registry.SelectExcluding(tried...)
		if serr != nil || checkAdapter(next, cert.Domain, cert.CertificateType) != nil {
			break
		}
		log.WithError(err).WithFields(logrus.Fields{"from": a.Name(), "to": next.Name()}).Warn("provider unavailable, failing over")
		if err = o.switchProvider(ctx, certID, next.Name()); err != nil {
			return nil, err
		}
		a = next
	}

	if err != nil {
		log.WithError(err).WithField("provider", a.Name()).Warn("submission failed")
		return o.submitFailed(ctx, certID, err)
	}

	if _, _, err = o.mutate(ctx, certID, func(b *lifecycle.Batch, c, _ *model.Certificate) error {
		if c.Status != model.CertificateStatusRequested {
			return &certerr.InvalidStateError{Current: c.Status, Operation: "record provider order"}
		}
		c.ProviderCertificateID = created.ProviderCertificateID
		c.SubmitAttempts++
		b.Save(c)
		return nil
	}); err != nil {
		return nil, err
	}

	evs, err := o.coordinator.BeginValidation(ctx, certID)
	if err != nil {
		// still requested with a provider order; the validation worker picks it up
		log.WithError(err).Warn("could not start validation yet")
	}
	cert, err = o.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	return &Result{Certificate: cert, Events: evs}, nil
}

func (o *Orchestrator) switchProvider(ctx context.Context, certID int, name string) error {
	_, _, err := o.mutate(ctx, certID, func(b *lifecycle.Batch, c, _ *model.Certificate) error {
		if c.Status != model.CertificateStatusRequested {
			return &certerr.InvalidStateError{Current: c.Status, Operation: "switch provider"}
		}
		c.ProviderName = name
		b.Save(c)
		return nil
	})
	return err
}

// submitFailed counts a failed submission. Retryable errors keep the
// certificate requested until MaxSubmitAttempts is reached.
func (o *Orchestrator) submitFailed(ctx context.Context, certID int, cause error) (*Result, error) {
	msg := cause.Error()
	retry := certerr.IsRetryable(cause)
	evs, cert, err := o.mutate(ctx, certID, func(b *lifecycle.Batch, c, pred *model.Certificate) error {
		if c.Status != model.CertificateStatusRequested {
			return nil
		}
		c.SubmitAttempts++
		if retry && c.SubmitAttempts < o.opts.MaxSubmitAttempts {
			c.SetLastError(msg)
			b.Save(c)
			return nil
		}
		return b.FireRenewal(c, pred, lifecycle.Transition{Trigger: lifecycle.TriggerSubmitError, Error: msg})
	})
	if err != nil {
		return nil, err
	}
	if cert.Status == model.CertificateStatusRequested {
		o.logger.WithFields(logrus.Fields{
			"certificate_id": certID,
			"attempts":       cert.SubmitAttempts,
		}).Info("submission will be retried")
	}
	return &Result{Certificate: cert, Events: evs}, nil
}

// RetrySubmissions resubmits requested certificates whose last provider
// call failed with a retryable error. It returns the events of the
// transitions it applied for the caller to dispatch.
func (o *Orchestrator) RetrySubmissions(ctx context.Context) ([]events.Event, error) {
	certs, err := o.store.ListByStatus(ctx, []string{model.CertificateStatusRequested}, o.opts.RetryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list requested certificates: %w", err)
	}

	var out []events.Event
	var errs []error
	for _, cert := range certs {
		if ctx.Err() != nil {
			break
		}
		if cert.ProviderCertificateID != "" || cert.SubmitAttempts == 0 {
			continue
		}
		evs, err := o.resubmit(ctx, cert.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("certificate %d: %w", cert.ID, err))
			continue
		}
		out = append(out, evs...)
	}
	return out, errors.Join(errs...)
}

func (o *Orchestrator) resubmit(ctx context.Context, certID int) ([]events.Event, error) {
	unlock, err := o.locker.Lock(ctx, lock.SubmitKey(certID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cert, err := o.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusRequested || cert.ProviderCertificateID != "" {
		return nil, nil
	}

	var res *Result
	if a, serr := o.resubmitProvider(cert); serr != nil {
		res, err = o.submitFailed(ctx, certID, serr)
	} else {
		res, err = o.submitLocked(ctx, certID, a)
	}
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// resubmitProvider keeps the recorded provider while it is healthy; only
// unpinned certificates move to another one
func (o *Orchestrator) resubmitProvider(cert *model.Certificate) (provider.Adapter, error) {
	a, err := o.registry.Select(cert.ProviderName)
	if err == nil || cert.ProviderPinned {
		return a, err
	}
	next, nerr := o.registry.SelectExcluding(cert.ProviderName)
	if nerr != nil {
		return nil, err
	}
	if cerr := checkAdapter(next, cert.Domain, cert.CertificateType); cerr != nil {
		return nil, err
	}
	return next, nil
}

// RenewCertificate starts a renewal of an active certificate. Outside the
// renewal window, and without Force, it returns the certificate unchanged.
func (o *Orchestrator) RenewCertificate(ctx context.Context, certificateID int, opts RenewOptions) (*Result, error) {
	res, err := o.renew(ctx, certificateID, opts)
	if err != nil {
		return nil, err
	}
	return o.publish(ctx, res), nil
}

// RenewDue renews a certificate found by the scheduler. Events are returned
// for the scheduler to dispatch.
func (o *Orchestrator) RenewDue(ctx context.Context, certificateID int) ([]events.Event, error) {
	res, err := o.renew(ctx, certificateID, RenewOptions{})
	if err != nil {
		return nil, err
	}
	if res.Certificate != nil && res.Certificate.ID != certificateID && res.Certificate.Status == model.CertificateStatusFailed {
		return res.Events, fmt.Errorf("renewal of certificate %d failed: %s", certificateID, model.SVal(res.Certificate.LastError))
	}
	return res.Events, nil
}

func (o *Orchestrator) renew(ctx context.Context, certificateID int, opts RenewOptions) (*Result, error) {
	cert, err := o.store.GetCertificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusActive {
		return nil, &certerr.InvalidStateError{Current: cert.Status, Operation: "renew"}
	}
	if !opts.Force && !renewal.IsDue(cert, o.now(), o.opts.RenewalWindow) {
		return &Result{Certificate: cert}, nil
	}

	succ, a, reason, err := o.startRenewal(ctx, certificateID, opts.ProviderName)
	if err != nil {
		return nil, err
	}
	oldProvider := cert.ProviderName

	res, err := o.submit(ctx, succ.ID, a)
	if err != nil {
		return nil, err
	}
	if res.Certificate.Status != model.CertificateStatusFailed && res.Certificate.ProviderName != oldProvider {
		if reason == "" {
			reason = fmt.Sprintf("provider %s unavailable", oldProvider)
		}
		ev := events.New(events.KindSubscriptionProviderSwap, o.now())
		ev.CertificateID = res.Certificate.ID
		ev.PreviousCertificateID = certificateID
		ev.SubscriptionID = res.Certificate.SubscriptionID
		ev.Domain = res.Certificate.Domain
		ev.OldProvider = oldProvider
		ev.NewProvider = res.Certificate.ProviderName
		ev.Reason = reason
		res.Events = append([]events.Event{ev}, res.Events...)
	}
	return res, nil
}

// startRenewal moves the predecessor to renewing and creates its successor
// under the predecessor's lock. The successor takes the slot only when it
// is promoted.
func (o *Orchestrator) startRenewal(ctx context.Context, predID int, explicit string) (*model.Certificate, provider.Adapter, string, error) {
	unlock, err := o.locker.Lock(ctx, lock.CertificateKey(predID))
	if err != nil {
		return nil, nil, "", err
	}
	defer unlock()

	pred, err := o.store.GetCertificate(ctx, predID)
	if err != nil {
		return nil, nil, "", err
	}
	if pred.Status != model.CertificateStatusActive {
		return nil, nil, "", &certerr.InvalidStateError{Current: pred.Status, Operation: "renew"}
	}

	a, reason, err := o.renewalProvider(pred, explicit)
	if err == nil {
		err = checkAdapter(a, pred.Domain, pred.CertificateType)
	}
	if err != nil {
		o.recordRenewalAttempt(ctx, pred, err)
		return nil, nil, "", err
	}

	unlockDomain, err := o.claimValidation(ctx, pred.Domain)
	if err != nil {
		o.recordRenewalAttempt(ctx, pred, err)
		return nil, nil, "", err
	}
	defer unlockDomain()

	b := o.machine.NewBatch(o.now())
	if err := b.Fire(pred, lifecycle.Transition{Trigger: lifecycle.TriggerRenewalStarted}); err != nil {
		return nil, nil, "", err
	}
	if err := o.store.Commit(ctx, b.Change()); err != nil {
		return nil, nil, "", err
	}

	succ := &model.Certificate{
		SubscriptionID:  pred.SubscriptionID,
		Domain:          pred.Domain,
		CertificateType: pred.CertificateType,
		Status:          model.CertificateStatusRequested,
		ProviderName:    a.Name(),
		ProviderPinned:  explicit != "",
		RenewalOfID:     model.UPtr(pred.ID),
	}
	succ.HoldValidation()
	if err := o.store.CreateCertificate(ctx, succ); err != nil {
		back := o.machine.NewBatch(o.now())
		if ferr := back.Fire(pred, lifecycle.Transition{Trigger: lifecycle.TriggerRenewalFailed, Error: err.Error()}); ferr == nil {
			if cerr := o.store.Commit(ctx, back.Change()); cerr != nil {
				o.logger.WithError(cerr).WithField("certificate_id", pred.ID).Error("failed to roll back renewal start")
			}
		}
		return nil, nil, "", err
	}

	o.logger.WithFields(logrus.Fields{
		"certificate_id": pred.ID,
		"successor_id":   succ.ID,
		"provider":       succ.ProviderName,
	}).Info("renewal started")
	return succ, a, reason, nil
}

// renewalProvider keeps the certificate's provider while it is healthy and
// falls back to the preferred healthy one otherwise. reason is set when the
// provider changes on the caller's request.
func (o *Orchestrator) renewalProvider(pred *model.Certificate, explicit string) (provider.Adapter, string, error) {
	if explicit != "" {
		a, err := o.registry.Select(explicit)
		if err != nil {
			return nil, "", err
		}
		return a, "requested by caller", nil
	}
	a, err := o.registry.Select(pred.ProviderName)
	if err == nil {
		return a, "", nil
	}
	var unavailable *certerr.ProviderUnavailableError
	var invalid *certerr.ValidationError
	if !errors.As(err, &unavailable) && !errors.As(err, &invalid) {
		return nil, "", err
	}
	fb, err := o.registry.SelectExcluding(pred.ProviderName)
	if err != nil {
		return nil, "", err
	}
	return fb, "", nil
}

// recordRenewalAttempt counts a renewal that never got as far as a
// successor, so the expiry alert still sees it
func (o *Orchestrator) recordRenewalAttempt(ctx context.Context, pred *model.Certificate, cause error) {
	now := o.now()
	pred.RenewalFailures++
	pred.LastRenewalAttemptAt = &now
	pred.SetLastError(cause.Error())
	b := o.machine.NewBatch(now)
	b.Save(pred)
	if err := o.store.Commit(ctx, b.Change()); err != nil {
		o.logger.WithError(err).WithField("certificate_id", pred.ID).Warn("failed to record renewal attempt")
	}
}

// RevokeCertificate revokes an active certificate at its provider. The
// reason is checked before anything else; a provider error leaves the
// certificate untouched.
func (o *Orchestrator) RevokeCertificate(ctx context.Context, certificateID int, reason string) (*Result, error) {
	r, err := provider.ParseRevocationReason(reason)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locker.Lock(ctx, lock.CertificateKey(certificateID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cert, err := o.store.GetCertificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.CertificateStatusActive {
		return nil, &certerr.InvalidStateError{Current: cert.Status, Operation: "revoke"}
	}
	a, ok := o.registry.Get(cert.ProviderName)
	if !ok {
		return nil, &certerr.ProviderUnavailableError{Provider: cert.ProviderName, Err: errors.New("provider not registered")}
	}

	err = o.registry.Call(ctx, a, "revoke_certificate", o.opts.CallTimeout, func(ctx context.Context) error {
		_, rerr := a.RevokeCertificate(ctx, cert.ProviderCertificateID, r)
		return rerr
	})
	if err != nil {
		o.logger.WithError(err).WithField("certificate_id", certificateID).Warn("provider revocation failed")
		return nil, err
	}

	b := o.machine.NewBatch(o.now())
	if err := b.Fire(cert, lifecycle.Transition{Trigger: lifecycle.TriggerRevoke, Reason: string(r)}); err != nil {
		return nil, err
	}
	if err := o.store.Commit(ctx, b.Change()); err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{"certificate_id": certificateID, "reason": r}).Info("certificate revoked")
	return o.publish(ctx, &Result{Certificate: cert, Events: b.Events()}), nil
}

// GetCertificate returns one certificate
func (o *Orchestrator) GetCertificate(ctx context.Context, id int) (*model.Certificate, error) {
	return o.store.GetCertificate(ctx, id)
}

// ListCertificates returns one page of certificates and the total count
func (o *Orchestrator) ListCertificates(ctx context.Context, filter store.ListFilter) ([]*model.Certificate, int64, error) {
	filter.Normalize()
	return o.store.ListCertificates(ctx, filter)
}

// ListChallenges returns the challenges of an existing certificate
func (o *Orchestrator) ListChallenges(ctx context.Context, certificateID int) ([]*model.ValidationChallenge, error) {
	if _, err := o.store.GetCertificate(ctx, certificateID); err != nil {
		return nil, err
	}
	return o.store.ListChallenges(ctx, certificateID)
}

// HandleWebhook applies a provider callback and dispatches what it produced
func (o *Orchestrator) HandleWebhook(ctx context.Context, providerName string, header http.Header, body []byte) ([]events.Event, error) {
	evs, err := o.coordinator.HandleWebhook(ctx, providerName, header, body)
	o.dispatcher.Dispatch(ctx, evs)
	return evs, err
}

// Providers describes every registered provider in selection order
func (o *Orchestrator) Providers() []registry.Status {
	return o.registry.Snapshot()
}
