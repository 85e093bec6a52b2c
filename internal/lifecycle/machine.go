// Package lifecycle is the authoritative certificate state machine. Every
// status change of a model.Certificate goes through Machine.Fire.
package lifecycle

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/certerr"
	"go_certorch/internal/events"
	"go_certorch/internal/metrics"
	"go_certorch/internal/model"
)

// Trigger names the cause of a transition
type Trigger string

const (
	TriggerSubmitOK            Trigger = "submit_ok"
	TriggerSubmitError         Trigger = "submit_error"
	TriggerChallengesSatisfied Trigger = "challenges_satisfied"
	TriggerValidationFailed    Trigger = "validation_failed"
	TriggerIssued              Trigger = "issued"
	TriggerIssueError          Trigger = "issue_error"
	TriggerRenewalStarted      Trigger = "renewal_started"
	TriggerSuperseded          Trigger = "superseded"
	TriggerRenewalFailed       Trigger = "renewal_failed"
	TriggerRevoke              Trigger = "revoke"
	TriggerFail                Trigger = "fail"
)

type edge struct {
	from    string
	trigger Trigger
}

// table is the complete set of legal transitions. TriggerFail is handled
// separately: it applies to every non-terminal state.
var table = map[edge]string{
	{model.CertificateStatusRequested, TriggerSubmitOK}:                    model.CertificateStatusPendingValidation,
	{model.CertificateStatusRequested, TriggerSubmitError}:                 model.CertificateStatusFailed,
	{model.CertificateStatusPendingValidation, TriggerChallengesSatisfied}: model.CertificateStatusIssuing,
	{model.CertificateStatusPendingValidation, TriggerValidationFailed}:    model.CertificateStatusFailed,
	{model.CertificateStatusIssuing, TriggerIssued}:                        model.CertificateStatusActive,
	{model.CertificateStatusIssuing, TriggerIssueError}:                    model.CertificateStatusFailed,
	{model.CertificateStatusActive, TriggerRenewalStarted}:                 model.CertificateStatusRenewing,
	{model.CertificateStatusRenewing, TriggerSuperseded}:                   model.CertificateStatusSuperseded,
	{model.CertificateStatusRenewing, TriggerRenewalFailed}:                model.CertificateStatusActive,
	{model.CertificateStatusActive, TriggerRevoke}:                         model.CertificateStatusRevoked,
}

// States lists every status the machine can produce
func States() []string {
	return []string{
		model.CertificateStatusRequested,
		model.CertificateStatusPendingValidation,
		model.CertificateStatusIssuing,
		model.CertificateStatusActive,
		model.CertificateStatusRenewing,
		model.CertificateStatusRevoked,
		model.CertificateStatusFailed,
		model.CertificateStatusSuperseded,
	}
}

// Target returns the status trigger leads to from status, if legal
func Target(status string, trigger Trigger) (string, bool) {
	if model.IsTerminalStatus(status) {
		return "", false
	}
	if trigger == TriggerFail {
		return model.CertificateStatusFailed, true
	}
	to, ok := table[edge{status, trigger}]
	return to, ok
}

// Triggers lists the triggers legal from status, sorted
func Triggers(status string) []Trigger {
	var out []Trigger
	for e := range table {
		if e.from == status {
			out = append(out, e.trigger)
		}
	}
	if !model.IsTerminalStatus(status) {
		out = append(out, TriggerFail)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transition carries a trigger plus the data its side effects record
type Transition struct {
	Trigger Trigger
	At      time.Time

	// Error is recorded as LastError on failing transitions, verbatim
	Error string

	// submit_ok
	ProviderCertificateID string

	// issued
	IssuedAt  *time.Time
	ExpiresAt *time.Time
	CertPem   string
	ChainPem  string
	KeyPem    []byte

	// superseded
	SupersededByID int

	// revoke
	Reason string
}

// Outcome reports what Fire did beyond the status change
type Outcome struct {
	From   string
	To     string
	Events []events.Event
	// SlotFreed is set when a slot-holding certificate became failed or
	// revoked; the caller gives the quota back to the subscription.
	SlotFreed bool
}

// Machine applies transitions
type Machine struct {
	logger *logrus.Entry
}

// NewMachine creates a machine logging through logger
func NewMachine(logger *logrus.Entry) *Machine {
	return &Machine{logger: logger.WithField("component", "lifecycle")}
}

// Fire applies t to cert. An illegal transition returns InvalidStateError
// and leaves cert untouched.
func (m *Machine) Fire(cert *model.Certificate, t Transition) (Outcome, error) {
	from := cert.Status
	to, ok := Target(from, t.Trigger)
	if !ok {
		return Outcome{}, &certerr.InvalidStateError{Current: from, Operation: string(t.Trigger)}
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	out := Outcome{From: from, To: to}
	cert.Status = to

	switch t.Trigger {
	case TriggerSubmitOK:
		if t.ProviderCertificateID != "" {
			cert.ProviderCertificateID = t.ProviderCertificateID
		}

	case TriggerChallengesSatisfied:

	case TriggerIssued:
		cert.IssuedAt = t.IssuedAt
		cert.ExpiresAt = t.ExpiresAt
		if t.CertPem != "" {
			cert.CertPem = t.CertPem
			cert.ChainPem = t.ChainPem
		}
		if t.KeyPem != nil {
			cert.KeyPem = t.KeyPem
		}
		cert.LastError = nil
		if cert.RenewalOfID != nil {
			// the successor takes over the predecessor's slot
			cert.HoldSlot()
			ev := m.event(events.KindCertificateRenewed, cert, t.At)
			ev.PreviousCertificateID = *cert.RenewalOfID
			out.Events = append(out.Events, ev)
		} else {
			out.Events = append(out.Events, m.event(events.KindCertificateIssued, cert, t.At))
		}

	case TriggerRenewalStarted:
		cert.LastRenewalAttemptAt = &t.At

	case TriggerSuperseded:
		if t.SupersededByID != 0 {
			id := t.SupersededByID
			cert.SupersededByID = &id
		}
		cert.ReleaseSlot()

	case TriggerRenewalFailed:
		cert.RenewalFailures++
		if t.Error != "" {
			cert.SetLastError(t.Error)
		}

	case TriggerRevoke:
		reason := t.Reason
		cert.RevocationReason = &reason
		out.SlotFreed = cert.SlotKey != nil
		cert.ReleaseSlot()
		ev := m.event(events.KindCertificateRevoked, cert, t.At)
		ev.Reason = reason
		out.Events = append(out.Events, ev)

	default: // every trigger leading to failed
		cert.SetLastError(t.Error)
		out.SlotFreed = cert.SlotKey != nil
		cert.ReleaseSlot()
		ev := m.event(events.KindCertificateFailed, cert, t.At)
		ev.Error = t.Error
		out.Events = append(out.Events, ev)
	}

	if to != model.CertificateStatusRequested && to != model.CertificateStatusPendingValidation {
		cert.ReleaseValidation()
	}

	metrics.Transition(from, to)
	m.logger.WithFields(logrus.Fields{
		"certificate_id": cert.ID,
		"from":           from,
		"to":             to,
		"trigger":        t.Trigger,
	}).Debug("certificate transition")
	return out, nil
}

func (m *Machine) event(k events.Kind, cert *model.Certificate, at time.Time) events.Event {
	ev := events.New(k, at)
	ev.CertificateID = cert.ID
	ev.SubscriptionID = cert.SubscriptionID
	ev.Domain = cert.Domain
	ev.Provider = cert.ProviderName
	return ev
}
