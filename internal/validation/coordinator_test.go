package validation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_certorch/internal/cache"
	"go_certorch/internal/certerr"
	"go_certorch/internal/events"
	"go_certorch/internal/lifecycle"
	"go_certorch/internal/lock"
	"go_certorch/internal/model"
	"go_certorch/internal/provider"
	"go_certorch/internal/provider/providertest"
	"go_certorch/internal/registry"
	"go_certorch/internal/store"
)

type harness struct {
	store    *store.Memory
	registry *registry.Registry
	fake     *providertest.Adapter
	coord    *Coordinator
	now      time.Time
}

func newHarness(t *testing.T, replay cache.KV) *harness {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	h := &harness{
		store: store.NewMemory(10),
		fake:  providertest.New("fake"),
		now:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.fake.Now = func() time.Time { return h.now }
	h.fake.Secret = "hook-secret"
	h.registry = registry.New(registry.Options{FailureThreshold: 1}, h.store, logger)
	require.NoError(t, h.registry.Register(h.fake, 0))
	h.coord = New(h.store, h.registry, lifecycle.NewMachine(logger), lock.NewKeyedMutex(), replay, Options{CallTimeout: time.Second}, logger)
	h.coord.SetClock(func() time.Time { return h.now })
	return h
}

// submitted creates a certificate the way the orchestrator leaves it after
// a successful provider submission
func (h *harness) submitted(t *testing.T, domain string) *model.Certificate {
	t.Helper()
	res, err := h.fake.CreateCertificate(context.Background(), []string{domain}, provider.CreateOptions{})
	require.NoError(t, err)
	cert := &model.Certificate{
		SubscriptionID:        1,
		Domain:                domain,
		CertificateType:       model.CertificateTypeDV,
		ProviderName:          "fake",
		ProviderCertificateID: res.ProviderCertificateID,
	}
	cert.HoldSlot()
	require.NoError(t, h.store.CreateCertificate(context.Background(), cert))
	return cert
}

func (h *harness) get(t *testing.T, id int) *model.Certificate {
	t.Helper()
	c, err := h.store.GetCertificate(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestBeginValidationPersistsChallenges(t *testing.T) {
	h := newHarness(t, nil)
	cert := h.submitted(t, "www.example.com")

	evs, err := h.coord.BeginValidation(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.Empty(t, evs)

	got := h.get(t, cert.ID)
	assert.Equal(t, model.CertificateStatusPendingValidation, got.Status)

	challenges, err := h.store.ListChallenges(context.Background(), cert.ID)
	require.NoError(t, err)
	require.Len(t, challenges, 1)
	assert.Equal(t, model.ChallengeStatusPending, challenges[0].Status)
	assert.Equal(t, model.ChallengeTypeDNS01, challenges[0].Type)
	assert.Equal(t, h.now.Add(time.Hour), challenges[0].ExpiresAt)
	assert.Contains(t, string(challenges[0].Instructions), "_acme-challenge.www.example.com")
}

func TestPollIssuesAndActivates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)

	evs, err := h.coord.PollOrReceive(ctx, cert.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, evs, "provider still pending")

	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")
	evs, err = h.coord.PollOrReceive(ctx, cert.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindCertificateIssued}, events.Kinds(evs))

	got := h.get(t, cert.ID)
	assert.Equal(t, model.CertificateStatusActive, got.Status)
	assert.NotNil(t, got.ExpiresAt)
	assert.Contains(t, got.CertPem, cert.ProviderCertificateID)
	assert.Equal(t, []byte("opaque-key-"+cert.ProviderCertificateID), got.KeyPem)

	challenges, _ := h.store.ListChallenges(ctx, cert.ID)
	for _, v := range challenges {
		assert.Equal(t, model.ChallengeStatusSatisfied, v.Status)
	}

	// a second poll after activation does nothing
	evs, err = h.coord.PollOrReceive(ctx, cert.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestExpiredChallengeBeatsLateProviderSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")

	evs, err := h.coord.PollOrReceive(ctx, cert.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []events.Kind{events.KindCertificateFailed}, events.Kinds(evs))

	got := h.get(t, cert.ID)
	assert.Equal(t, model.CertificateStatusFailed, got.Status)
	challenges, _ := h.store.ListChallenges(ctx, cert.ID)
	require.Len(t, challenges, 1)
	assert.Equal(t, model.ChallengeStatusExpired, challenges[0].Status)
	assert.Equal(t, TimeoutMessage(challenges[0]), model.SVal(got.LastError))
	assert.Contains(t, model.SVal(got.LastError), "timed out")

	assert.Zero(t, h.fake.Calls("GetCertificateStatus"))
	assert.Zero(t, h.fake.Calls("DownloadCertificate"))

	sub, _ := h.store.GetSubscription(ctx, 1)
	assert.Equal(t, 0, sub.CertificateCount)
}

func TestProviderFailureCapturedVerbatim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)

	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusFailed, "CAA record forbids issuance")
	evs, err := h.coord.PollOrReceive(ctx, cert.ID, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "CAA record forbids issuance", evs[0].Error)
	assert.Equal(t, "CAA record forbids issuance", model.SVal(h.get(t, cert.ID).LastError))
}

func TestProviderTimeoutLeavesCertificateAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)

	h.fake.StatusErr = &certerr.TimeoutError{Operation: "status"}
	evs, err := h.coord.PollOrReceive(ctx, cert.ID, nil)
	assert.True(t, certerr.IsRetryable(err))
	assert.Empty(t, evs)
	assert.Equal(t, model.CertificateStatusPendingValidation, h.get(t, cert.ID).Status)
	assert.False(t, h.registry.IsHealthy("fake"))
}

func TestNoChallengesGoesStraightToIssuance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.fake.NoChallenges = true
	cert := h.submitted(t, "www.example.com")
	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")

	evs, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindCertificateIssued}, events.Kinds(evs))
	assert.Equal(t, model.CertificateStatusActive, h.get(t, cert.ID).Status)
}

func webhook(secret, eventID string) http.Header {
	hdr := http.Header{}
	hdr.Set("X-Fake-Secret", secret)
	hdr.Set("X-Fake-Event-Id", eventID)
	return hdr
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	for name, replay := range map[string]cache.KV{"with replay guard": cache.NewMemory(), "state only": nil} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, replay)
			cert := h.submitted(t, "www.example.com")
			_, err := h.coord.BeginValidation(ctx, cert.ID)
			require.NoError(t, err)
			h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")

			body := []byte(cert.ProviderCertificateID)
			first, err := h.coord.HandleWebhook(ctx, "fake", webhook("hook-secret", "evt-1"), body)
			require.NoError(t, err)
			afterFirst := h.get(t, cert.ID)

			second, err := h.coord.HandleWebhook(ctx, "fake", webhook("hook-secret", "evt-1"), body)
			require.NoError(t, err)

			assert.Equal(t, []events.Kind{events.KindCertificateIssued}, events.Kinds(first))
			assert.Empty(t, second)
			assert.Equal(t, afterFirst.Status, h.get(t, cert.ID).Status)
			assert.Equal(t, afterFirst.UpdatedAt, h.get(t, cert.ID).UpdatedAt)
			assert.Equal(t, 1, h.fake.Calls("DownloadCertificate"))
		})
	}
}

func TestUnverifiedWebhookIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, cache.NewMemory())
	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)
	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")

	_, err = h.coord.HandleWebhook(ctx, "fake", webhook("wrong", "evt-1"), []byte(cert.ProviderCertificateID))
	assert.True(t, errors.Is(err, ErrUnverifiedCallback))

	_, err = h.coord.HandleWebhook(ctx, "nobody", webhook("hook-secret", "evt-1"), []byte(cert.ProviderCertificateID))
	assert.True(t, errors.Is(err, ErrUnverifiedCallback))

	assert.Equal(t, model.CertificateStatusPendingValidation, h.get(t, cert.ID).Status)
	assert.Zero(t, h.fake.Calls("GetCertificateStatus"))
}

func TestExpireOverdueSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.submitted(t, "a.example.com")
	_, err := h.coord.BeginValidation(ctx, a.ID)
	require.NoError(t, err)
	h.now = h.now.Add(30 * time.Minute)
	b := h.submitted(t, "b.example.com")
	_, err = h.coord.BeginValidation(ctx, b.ID)
	require.NoError(t, err)

	h.now = h.now.Add(45 * time.Minute) // a is overdue, b is not
	evs, err := h.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, a.ID, evs[0].CertificateID)
	assert.Equal(t, model.CertificateStatusFailed, h.get(t, a.ID).Status)
	assert.Equal(t, model.CertificateStatusPendingValidation, h.get(t, b.ID).Status)
}

// flakyLookup fails the first provider-id lookup like a dropped DB connection
type flakyLookup struct {
	*store.Memory
	failures int
}

func (f *flakyLookup) FindByProviderID(ctx context.Context, providerName, id string) (*model.Certificate, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.Memory.FindByProviderID(ctx, providerName, id)
}

func TestWebhookRedeliveredAfterLookupError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, cache.NewMemory())
	flaky := &flakyLookup{Memory: h.store, failures: 1}
	h.coord = New(flaky, h.registry, lifecycle.NewMachine(logrus.NewEntry(logrus.New())), lock.NewKeyedMutex(), cache.NewMemory(), Options{CallTimeout: time.Second}, logrus.NewEntry(logrus.New()))
	h.coord.SetClock(func() time.Time { return h.now })

	cert := h.submitted(t, "www.example.com")
	_, err := h.coord.BeginValidation(ctx, cert.ID)
	require.NoError(t, err)
	h.fake.SetStatus(cert.ProviderCertificateID, provider.StatusIssued, "")

	body := []byte(cert.ProviderCertificateID)
	_, err = h.coord.HandleWebhook(ctx, "fake", webhook("hook-secret", "evt-7"), body)
	require.Error(t, err)
	assert.Equal(t, model.CertificateStatusPendingValidation, h.get(t, cert.ID).Status)

	evs, err := h.coord.HandleWebhook(ctx, "fake", webhook("hook-secret", "evt-7"), body)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindCertificateIssued}, events.Kinds(evs))
	assert.Equal(t, model.CertificateStatusActive, h.get(t, cert.ID).Status)
}
