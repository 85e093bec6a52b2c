// Package store persists certificates, challenges, provider health and the
// subscription counters the orchestrator adjusts.
package store

import (
	"context"
	"time"

	"go_certorch/internal/model"
)

// Change is one atomic unit of work. Every listed record is written, and
// every subscription delta applied, or nothing is.
type Change struct {
	Certificates []*model.Certificate
	// Expect pins the status each certificate (by id) must still have in
	// storage; a mismatch aborts the change with certerr.InvalidStateError.
	Expect             map[int]string
	NewChallenges      []*model.ValidationChallenge
	Challenges         []*model.ValidationChallenge
	SubscriptionDeltas map[int]int
}

// Expecting records that cert must still be in status when the change commits
func (c *Change) Expecting(cert *model.Certificate, status string) *Change {
	if c.Expect == nil {
		c.Expect = make(map[int]string)
	}
	c.Expect[cert.ID] = status
	return c
}

// ListFilter narrows ListCertificates
type ListFilter struct {
	SubscriptionID int
	Status         string
	Domain         string
	Page           int
	PageSize       int
}

// Normalize clamps paging the way list endpoints expect
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

// Certificates is the certificate repository
type Certificates interface {
	// CreateCertificate inserts cert. When cert holds its slot the
	// subscription count is incremented in the same transaction and the
	// insert fails with LimitExceededError at the limit, or with
	// InvalidStateError if another record already holds the slot or the
	// domain's validation claim.
	CreateCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id int) (*model.Certificate, error)
	FindByProviderID(ctx context.Context, providerName, providerCertificateID string) (*model.Certificate, error)
	// FindSlotHolder returns the non-terminal certificate holding the slot, or nil
	FindSlotHolder(ctx context.Context, subscriptionID int, domain string) (*model.Certificate, error)
	// FindValidationHolder returns the certificate whose validation claims
	// domain, or nil
	FindValidationHolder(ctx context.Context, domain string) (*model.Certificate, error)
	// FindSuccessor returns the newest renewal record pointing at id, or nil
	FindSuccessor(ctx context.Context, id int) (*model.Certificate, error)
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]*model.Certificate, error)
	ListActiveExpiringBefore(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error)
	ListCertificates(ctx context.Context, filter ListFilter) ([]*model.Certificate, int64, error)
	Commit(ctx context.Context, change Change) error
}

// Challenges is the validation challenge repository
type Challenges interface {
	ListChallenges(ctx context.Context, certificateID int) ([]*model.ValidationChallenge, error)
	ListOverdueChallenges(ctx context.Context, now time.Time, limit int) ([]*model.ValidationChallenge, error)
}

// Subscriptions is the collaborator-owned subscription view
type Subscriptions interface {
	GetSubscription(ctx context.Context, id int) (*model.Subscription, error)
}

// HealthStore persists provider health snapshots
type HealthStore interface {
	SaveHealth(ctx context.Context, rec model.ProviderHealthRecord) error
	LoadHealth(ctx context.Context) ([]model.ProviderHealthRecord, error)
}

// Store bundles every repository
type Store interface {
	Certificates
	Challenges
	Subscriptions
	HealthStore
}
