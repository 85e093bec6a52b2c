package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_certorch/internal/certerr"
	"go_certorch/internal/model"
)

func newCert(sub int, domain string) *model.Certificate {
	c := &model.Certificate{
		SubscriptionID:  sub,
		Domain:          domain,
		CertificateType: model.CertificateTypeDV,
		ProviderName:    "fake",
	}
	c.HoldSlot()
	return c
}

func TestMemory_CreateCertificateLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	m.PutSubscription(model.Subscription{ID: 1, MaxDomains: 5, CertificateCount: 5})

	err := m.CreateCertificate(ctx, newCert(1, "a.example.com"))
	var lerr *certerr.LimitExceededError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 5, lerr.CurrentCount)
	assert.Equal(t, 5, lerr.Limit)
	assert.Equal(t, 0, m.CertificateCount())
}

func TestMemory_CreateCertificateSlotConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	first := newCert(1, "a.example.com")
	require.NoError(t, m.CreateCertificate(ctx, first))
	assert.Equal(t, 1, first.ID)

	err := m.CreateCertificate(ctx, newCert(1, "a.example.com"))
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, model.CertificateStatusRequested, serr.Current)

	// other subscription, same domain is fine
	require.NoError(t, m.CreateCertificate(ctx, newCert(2, "a.example.com")))

	sub, err := m.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CertificateCount)
}

func TestMemory_CommitExpectMismatchAppliesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	c := newCert(1, "a.example.com")
	require.NoError(t, m.CreateCertificate(ctx, c))

	c.Status = model.CertificateStatusFailed
	c.ReleaseSlot()
	change := Change{Certificates: []*model.Certificate{c}, SubscriptionDeltas: map[int]int{1: -1}}
	change.Expecting(c, model.CertificateStatusPendingValidation)

	err := m.Commit(ctx, change)
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))

	got, err := m.GetCertificate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CertificateStatusRequested, got.Status)
	sub, _ := m.GetSubscription(ctx, 1)
	assert.Equal(t, 1, sub.CertificateCount)
}

func TestMemory_CommitSlotHandOver(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	old := newCert(1, "a.example.com")
	require.NoError(t, m.CreateCertificate(ctx, old))

	succ := &model.Certificate{SubscriptionID: 1, Domain: "a.example.com", RenewalOfID: model.UPtr(old.ID)}
	require.NoError(t, m.CreateCertificate(ctx, succ))

	old.Status = model.CertificateStatusSuperseded
	old.ReleaseSlot()
	succ.Status = model.CertificateStatusActive
	succ.HoldSlot()
	require.NoError(t, m.Commit(ctx, Change{Certificates: []*model.Certificate{old, succ}}))

	holder, err := m.FindSlotHolder(ctx, 1, "a.example.com")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, succ.ID, holder.ID)

	found, err := m.FindSuccessor(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, succ.ID, found.ID)
}

func TestMemory_ValidationClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	first := newCert(1, "shop.example.com")
	first.HoldValidation()
	require.NoError(t, m.CreateCertificate(ctx, first))

	second := newCert(2, "shop.example.com")
	second.HoldValidation()
	err := m.CreateCertificate(ctx, second)
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))
	sub, _ := m.GetSubscription(ctx, 2)
	assert.Zero(t, sub.CertificateCount)

	holder, err := m.FindValidationHolder(ctx, "shop.example.com")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, first.ID, holder.ID)

	// a commit cannot move the claim onto a second record
	other := newCert(3, "other.example.com")
	require.NoError(t, m.CreateCertificate(ctx, other))
	claimed := "shop.example.com"
	other.ValidationKey = &claimed
	err = m.Commit(ctx, Change{Certificates: []*model.Certificate{other}})
	require.True(t, errors.As(err, &serr))

	first.Status = model.CertificateStatusIssuing
	first.ReleaseValidation()
	require.NoError(t, m.Commit(ctx, Change{Certificates: []*model.Certificate{first}}))
	holder, err = m.FindValidationHolder(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Nil(t, holder)
	require.NoError(t, m.CreateCertificate(ctx, second))
}

func TestMemory_OverdueChallenges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	c := newCert(1, "a.example.com")
	require.NoError(t, m.CreateCertificate(ctx, c))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Commit(ctx, Change{NewChallenges: []*model.ValidationChallenge{
		{CertificateID: c.ID, Domain: c.Domain, Type: model.ChallengeTypeDNS01, Status: model.ChallengeStatusPending, ExpiresAt: now.Add(-time.Minute)},
		{CertificateID: c.ID, Domain: c.Domain, Type: model.ChallengeTypeDNS01, Status: model.ChallengeStatusPending, ExpiresAt: now.Add(time.Hour)},
	}}))

	overdue, err := m.ListOverdueChallenges(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, 1, overdue[0].ID)

	all, err := m.ListChallenges(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_ListCertificatesPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100)
	for _, d := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		require.NoError(t, m.CreateCertificate(ctx, newCert(7, d)))
	}

	page, total, err := m.ListCertificates(ctx, ListFilter{SubscriptionID: 7, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "c.example.com", page[0].Domain)

	page, _, err = m.ListCertificates(ctx, ListFilter{SubscriptionID: 7, Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a.example.com", page[0].Domain)
}
