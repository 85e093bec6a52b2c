package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind names an outbound lifecycle event
type Kind string

const (
	KindCertificateIssued        Kind = "certificate-issued"
	KindCertificateRenewed       Kind = "certificate-renewed"
	KindCertificateRevoked       Kind = "certificate-revoked"
	KindCertificateFailed        Kind = "certificate-failed"
	KindCertificateExpiring      Kind = "certificate-expiring"
	KindProviderHealthFailed     Kind = "provider-health-check-failed"
	KindSubscriptionProviderSwap Kind = "subscription-provider-changed"
)

// Event is one message for the notification and billing collaborators.
// Fields not relevant to a kind are left zero.
type Event struct {
	ID                    string    `json:"id"`
	Kind                  Kind      `json:"kind"`
	OccurredAt            time.Time `json:"occurredAt"`
	CertificateID         int       `json:"certificateId,omitempty"`
	PreviousCertificateID int       `json:"previousCertificateId,omitempty"`
	SubscriptionID        int       `json:"subscriptionId,omitempty"`
	Domain                string    `json:"domain,omitempty"`
	Provider              string    `json:"provider,omitempty"`
	OldProvider           string    `json:"oldProvider,omitempty"`
	NewProvider           string    `json:"newProvider,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	Error                 string    `json:"error,omitempty"`
	DaysUntilExpiry       int       `json:"daysUntilExpiry,omitempty"`
	Expired               bool      `json:"expired,omitempty"`
}

// New stamps a fresh event of kind k
func New(k Kind, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       k,
		OccurredAt: at,
	}
}

// Kinds returns the kinds of evs in order, handy for assertions and logs
func Kinds(evs []Event) []Kind {
	out := make([]Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}
