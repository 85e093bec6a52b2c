package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go_certorch/internal/certerr"
	"go_certorch/internal/db"
	"go_certorch/internal/model"
)

// newGormStore runs against the MySQL database named by
// CERTORCH_TEST_MYSQL_DSN, emptied first. The tests are skipped without it.
func newGormStore(t *testing.T, subs ...model.Subscription) (*Gorm, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("CERTORCH_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CERTORCH_TEST_MYSQL_DSN not set")
	}
	gdb, err := db.InitMySQL(dsn, db.Options{MaxOpenConns: 4, SlowThreshold: time.Second})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	wipe := gdb.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, m := range []interface{}{&model.ValidationChallenge{}, &model.Certificate{}, &model.Subscription{}, &model.ProviderHealthRecord{}} {
		require.NoError(t, wipe.Delete(m).Error)
	}
	for i := range subs {
		require.NoError(t, gdb.Create(&subs[i]).Error)
	}
	return NewGorm(gdb), gdb
}

func countOf(t *testing.T, g *Gorm, id int) int {
	t.Helper()
	sub, err := g.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub.CertificateCount
}

func TestGorm_CreateCertificateClaimsQuota(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 2})

	require.NoError(t, g.CreateCertificate(ctx, newCert(1, "a.example.com")))
	require.NoError(t, g.CreateCertificate(ctx, newCert(1, "b.example.com")))
	assert.Equal(t, 2, countOf(t, g, 1))

	err := g.CreateCertificate(ctx, newCert(1, "c.example.com"))
	var lerr *certerr.LimitExceededError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 2, lerr.CurrentCount)
	assert.Equal(t, 2, lerr.Limit)
	assert.Equal(t, 2, countOf(t, g, 1))

	err = g.CreateCertificate(ctx, newCert(404, "d.example.com"))
	var nf *certerr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestGorm_DuplicateSlotRollsBackQuota(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 5})

	first := newCert(1, "a.example.com")
	require.NoError(t, g.CreateCertificate(ctx, first))

	err := g.CreateCertificate(ctx, newCert(1, "a.example.com"))
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, model.CertificateStatusRequested, serr.Current)
	assert.Equal(t, 1, countOf(t, g, 1))

	holder, err := g.FindSlotHolder(ctx, 1, "a.example.com")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, first.ID, holder.ID)
}

func TestGorm_ValidationClaimIsUniqueAcrossSubscriptions(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 5}, model.Subscription{ID: 2, MaxDomains: 5})

	first := newCert(1, "shop.example.com")
	first.HoldValidation()
	require.NoError(t, g.CreateCertificate(ctx, first))

	second := newCert(2, "shop.example.com")
	second.HoldValidation()
	err := g.CreateCertificate(ctx, second)
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 0, countOf(t, g, 2))

	holder, err := g.FindValidationHolder(ctx, "shop.example.com")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, first.ID, holder.ID)

	// validation over: the claim is free again
	first.Status = model.CertificateStatusIssuing
	first.ReleaseValidation()
	done := Change{Certificates: []*model.Certificate{first}}
	done.Expecting(first, model.CertificateStatusRequested)
	require.NoError(t, g.Commit(ctx, done))
	require.NoError(t, g.CreateCertificate(ctx, second))
	assert.Equal(t, 1, countOf(t, g, 2))
}

func TestGorm_CommitRejectsStaleStatus(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 5})

	cert := newCert(1, "a.example.com")
	require.NoError(t, g.CreateCertificate(ctx, cert))

	stale := cert.Clone()
	stale.Status = model.CertificateStatusFailed
	stale.ReleaseSlot()
	ch := Change{Certificates: []*model.Certificate{stale}, SubscriptionDeltas: map[int]int{1: -1}}
	ch.Expecting(stale, model.CertificateStatusPendingValidation)

	err := g.Commit(ctx, ch)
	var serr *certerr.InvalidStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, model.CertificateStatusRequested, serr.Current)

	got, err := g.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CertificateStatusRequested, got.Status)
	assert.NotNil(t, got.SlotKey)
	assert.Equal(t, 1, countOf(t, g, 1))
}

func TestGorm_CommitHandsSlotToSuccessor(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 1})

	pred := newCert(1, "www.example.com")
	pred.Status = model.CertificateStatusRenewing
	require.NoError(t, g.CreateCertificate(ctx, pred))

	succ := &model.Certificate{
		SubscriptionID:  1,
		Domain:          "www.example.com",
		CertificateType: model.CertificateTypeDV,
		ProviderName:    "fake",
		Status:          model.CertificateStatusIssuing,
		RenewalOfID:     model.UPtr(pred.ID),
	}
	require.NoError(t, g.CreateCertificate(ctx, succ))
	assert.Equal(t, 1, countOf(t, g, 1), "successor claims no quota of its own")

	succ.Status = model.CertificateStatusActive
	succ.HoldSlot()
	pred.Status = model.CertificateStatusSuperseded
	pred.SupersededByID = model.UPtr(succ.ID)
	pred.ReleaseSlot()
	ch := Change{Certificates: []*model.Certificate{succ, pred}}
	ch.Expecting(succ, model.CertificateStatusIssuing).Expecting(pred, model.CertificateStatusRenewing)
	require.NoError(t, g.Commit(ctx, ch))

	holder, err := g.FindSlotHolder(ctx, 1, "www.example.com")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, succ.ID, holder.ID)

	found, err := g.FindSuccessor(ctx, pred.ID)
	require.NoError(t, err)
	assert.Equal(t, succ.ID, found.ID)
	assert.Equal(t, 1, countOf(t, g, 1))
}

func TestGorm_SubscriptionDeltaNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	g, _ := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 5, CertificateCount: 1})

	require.NoError(t, g.Commit(ctx, Change{SubscriptionDeltas: map[int]int{1: -3}}))
	assert.Equal(t, 0, countOf(t, g, 1))

	err := g.Commit(ctx, Change{SubscriptionDeltas: map[int]int{99: 1}})
	var nf *certerr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestGorm_ListActiveExpiringBefore(t *testing.T) {
	ctx := context.Background()
	g, gdb := newGormStore(t, model.Subscription{ID: 1, MaxDomains: 5})
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	for i, days := range []int{40, 10, 20} {
		c := newCert(1, []string{"a.example.com", "b.example.com", "c.example.com"}[i])
		c.Status = model.CertificateStatusActive
		c.ExpiresAt = model.TPtr(now.Add(time.Duration(days) * 24 * time.Hour))
		require.NoError(t, gdb.Create(c).Error)
	}

	due, err := g.ListActiveExpiringBefore(ctx, now.Add(30*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "b.example.com", due[0].Domain)
	assert.Equal(t, "c.example.com", due[1].Domain)
}
