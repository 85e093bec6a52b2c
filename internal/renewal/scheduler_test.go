package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_certorch/internal/events"
	"go_certorch/internal/lock"
	"go_certorch/internal/model"
	"go_certorch/internal/store"
)

type fakeRenewer struct {
	calls []int
	err   error
	// onRenew lets a test mutate state the way a failed renewal would
	onRenew func(id int)
}

func (f *fakeRenewer) RenewDue(_ context.Context, id int) ([]events.Event, error) {
	f.calls = append(f.calls, id)
	if f.onRenew != nil {
		f.onRenew(id)
	}
	return nil, f.err
}

func activeCert(t *testing.T, st *store.Memory, domain string, expires time.Time) *model.Certificate {
	t.Helper()
	c := &model.Certificate{SubscriptionID: 1, Domain: domain, ProviderName: "fake", Status: model.CertificateStatusActive, ExpiresAt: &expires}
	c.HoldSlot()
	require.NoError(t, st.CreateCertificate(context.Background(), c))
	return c
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	window := 30 * 24 * time.Hour
	in10 := now.Add(10 * 24 * time.Hour)
	in45 := now.Add(45 * 24 * time.Hour)

	tests := []struct {
		name string
		cert model.Certificate
		want bool
	}{
		{"inside window", model.Certificate{Status: model.CertificateStatusActive, ExpiresAt: &in10}, true},
		{"outside window", model.Certificate{Status: model.CertificateStatusActive, ExpiresAt: &in45}, false},
		{"not active", model.Certificate{Status: model.CertificateStatusRenewing, ExpiresAt: &in10}, false},
		{"no expiry", model.Certificate{Status: model.CertificateStatusActive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDue(&tt.cert, now, window))
		})
	}
}

func TestRunOnceRenewsOnlyDue(t *testing.T) {
	st := store.NewMemory(10)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	due := activeCert(t, st, "due.example.com", now.Add(10*24*time.Hour))
	activeCert(t, st, "later.example.com", now.Add(60*24*time.Hour))

	r := &fakeRenewer{}
	s := NewScheduler(st, r, lock.NewKeyedMutex(), Options{Window: 30 * 24 * time.Hour}, logrus.NewEntry(logrus.New()))
	s.SetClock(func() time.Time { return now })

	evs, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, []int{due.ID}, r.calls)
}

func TestRunOnceAlertsOncePerDayAfterFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(10)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	c := activeCert(t, st, "stuck.example.com", now.Add(3*24*time.Hour))

	r := &fakeRenewer{err: errors.New("provider unavailable")}
	r.onRenew = func(id int) {
		got, _ := st.GetCertificate(ctx, id)
		got.RenewalFailures++
		require.NoError(t, st.Commit(ctx, store.Change{Certificates: []*model.Certificate{got}}))
	}
	s := NewScheduler(st, r, lock.NewKeyedMutex(), Options{}, logrus.NewEntry(logrus.New()))
	s.SetClock(func() time.Time { return now })

	evs, err := s.RunOnce(ctx)
	assert.Error(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCertificateExpiring, evs[0].Kind)
	assert.Equal(t, 3, evs[0].DaysUntilExpiry)
	assert.False(t, evs[0].Expired)

	// same day: no second alert
	now = now.Add(time.Hour)
	evs, _ = s.RunOnce(ctx)
	assert.Empty(t, evs)

	// past expiry: alert again, flagged expired, record still active
	now = now.Add(4 * 24 * time.Hour)
	evs, _ = s.RunOnce(ctx)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Expired)

	got, err := st.GetCertificate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CertificateStatusActive, got.Status)
}
