package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_certorch/internal/auth"
	"go_certorch/internal/certerr"
	"go_certorch/internal/events"
	"go_certorch/internal/httpx"
	"go_certorch/internal/model"
	"go_certorch/internal/orchestrator"
	"go_certorch/internal/registry"
	"go_certorch/internal/store"
	"go_certorch/internal/validation"
)

type fakeService struct {
	certs      map[int]*model.Certificate
	requested  []orchestrator.Request
	renewed    []orchestrator.RenewOptions
	revoked    []string
	listFilter store.ListFilter
	requestErr error
	webhookErr error
}

func newFakeService() *fakeService {
	return &fakeService{certs: map[int]*model.Certificate{
		1: {ID: 1, SubscriptionID: 7, Domain: "a.example.com", Status: model.CertificateStatusActive},
		2: {ID: 2, SubscriptionID: 8, Domain: "b.example.com", Status: model.CertificateStatusActive},
	}}
}

func (f *fakeService) RequestCertificate(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.requested = append(f.requested, req)
	cert := &model.Certificate{ID: 3, SubscriptionID: req.SubscriptionID, Domain: req.Domain, Status: model.CertificateStatusPendingValidation}
	return &orchestrator.Result{Certificate: cert}, nil
}

func (f *fakeService) RenewCertificate(_ context.Context, id int, opts orchestrator.RenewOptions) (*orchestrator.Result, error) {
	f.renewed = append(f.renewed, opts)
	return &orchestrator.Result{Certificate: f.certs[id]}, nil
}

func (f *fakeService) RevokeCertificate(_ context.Context, id int, reason string) (*orchestrator.Result, error) {
	f.revoked = append(f.revoked, reason)
	return &orchestrator.Result{Certificate: f.certs[id]}, nil
}

func (f *fakeService) GetCertificate(_ context.Context, id int) (*model.Certificate, error) {
	cert, ok := f.certs[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "certificate", ID: "x"}
	}
	return cert, nil
}

func (f *fakeService) ListCertificates(_ context.Context, filter store.ListFilter) ([]*model.Certificate, int64, error) {
	f.listFilter = filter
	var out []*model.Certificate
	for _, c := range f.certs {
		if c.SubscriptionID == filter.SubscriptionID {
			out = append(out, c)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeService) ListChallenges(_ context.Context, id int) ([]*model.ValidationChallenge, error) {
	return []*model.ValidationChallenge{{ID: 11, CertificateID: id}}, nil
}

func (f *fakeService) HandleWebhook(_ context.Context, _ string, _ http.Header, _ []byte) ([]events.Event, error) {
	if f.webhookErr != nil {
		return nil, f.webhookErr
	}
	return []events.Event{events.New(events.KindCertificateIssued, time.Now())}, nil
}

func (f *fakeService) Providers() []registry.Status {
	return []registry.Status{{Name: "acme", Healthy: true}}
}

func setupRouter(t *testing.T, svc Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, RegisterValidators())
	auth.InitJWT("router-secret", "go_certorch")

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := gin.New()
	SetupRouter(r, Deps{Service: svc, Logger: logrus.NewEntry(logger)})
	return r
}

func token(t *testing.T, subscriptionID int) string {
	t.Helper()
	tok, err := auth.GenerateToken(subscriptionID, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(r *gin.Engine, method, target, authz, body string) (*httptest.ResponseRecorder, httpx.Response) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp httpx.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestPing(t *testing.T) {
	r := setupRouter(t, newFakeService())
	w, _ := do(r, http.MethodGet, "/api/v1/ping", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	r := setupRouter(t, newFakeService())

	expired, err := auth.GenerateToken(7, "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	tests := []struct {
		name  string
		authz string
		code  int
	}{
		{"missing header", "", httpx.CodeUnauthorized},
		{"wrong scheme", "Basic abc", httpx.CodeUnauthorized},
		{"garbage token", "Bearer nope", httpx.CodeInvalidToken},
		{"expired token", "Bearer " + expired, httpx.CodeTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(r, http.MethodGet, "/api/v1/certificates", tt.authz, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestCreateCertificate(t *testing.T) {
	svc := newFakeService()
	r := setupRouter(t, svc)

	w, resp := do(r, http.MethodPost, "/api/v1/certificates", token(t, 7),
		`{"domain":"new.example.com","provider":"acme","certificateType":"dv"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, httpx.CodeSuccess, resp.Code)

	require.Len(t, svc.requested, 1)
	assert.Equal(t, orchestrator.Request{SubscriptionID: 7, Domain: "new.example.com", ProviderName: "acme", CertificateType: "dv"}, svc.requested[0])
}

func TestCreateCertificateBindErrors(t *testing.T) {
	r := setupRouter(t, newFakeService())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing domain", `{}`, "domain"},
		{"bad type", `{"domain":"a.example.com","certificateType":"xx"}`, "certificateType"},
		{"extended validation", `{"domain":"a.example.com","certificateType":"ev"}`, "certificateType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(r, http.MethodPost, "/api/v1/certificates", token(t, 7), tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, httpx.CodeParamInvalid, resp.Code)
			assert.Equal(t, map[string]interface{}{"field": tt.field}, resp.Data)
		})
	}
}

func TestCreateCertificateLimitExceeded(t *testing.T) {
	svc := newFakeService()
	svc.requestErr = &certerr.LimitExceededError{CurrentCount: 5, Limit: 5}
	r := setupRouter(t, svc)

	w, resp := do(r, http.MethodPost, "/api/v1/certificates", token(t, 7), `{"domain":"x.example.com"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, httpx.CodeLimitExceeded, resp.Code)
	assert.Equal(t, map[string]interface{}{"currentCount": float64(5), "limit": float64(5)}, resp.Data)
}

func TestListCertificatesScopedToSubscription(t *testing.T) {
	svc := newFakeService()
	r := setupRouter(t, svc)

	w, resp := do(r, http.MethodGet, "/api/v1/certificates?status=active&pageSize=5", token(t, 7), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, svc.listFilter.SubscriptionID)
	assert.Equal(t, "active", svc.listFilter.Status)
	assert.Equal(t, 1, svc.listFilter.Page)
	assert.Equal(t, 5, svc.listFilter.PageSize)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
}

func TestGetCertificateOfOtherSubscriptionIsNotFound(t *testing.T) {
	r := setupRouter(t, newFakeService())

	w, _ := do(r, http.MethodGet, "/api/v1/certificates/1", token(t, 7), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := do(r, http.MethodGet, "/api/v1/certificates/2", token(t, 7), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, httpx.CodeNotFound, resp.Code)

	w, _ = do(r, http.MethodGet, "/api/v1/certificates/abc", token(t, 7), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChallenges(t *testing.T) {
	r := setupRouter(t, newFakeService())
	w, resp := do(r, http.MethodGet, "/api/v1/certificates/1/challenges", token(t, 7), "")
	require.Equal(t, http.StatusOK, w.Code)
	items := resp.Data.(map[string]interface{})["items"].([]interface{})
	assert.Len(t, items, 1)
}

func TestRenewCertificate(t *testing.T) {
	svc := newFakeService()
	r := setupRouter(t, svc)

	w, _ := do(r, http.MethodPost, "/api/v1/certificates/1/renew", token(t, 7), "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(r, http.MethodPost, "/api/v1/certificates/1/renew", token(t, 7), `{"force":true,"provider":"reseller"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []orchestrator.RenewOptions{{}, {Force: true, ProviderName: "reseller"}}, svc.renewed)

	w, _ = do(r, http.MethodPost, "/api/v1/certificates/2/renew", token(t, 7), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokeCertificate(t *testing.T) {
	svc := newFakeService()
	r := setupRouter(t, svc)

	w, resp := do(r, http.MethodPost, "/api/v1/certificates/1/revoke", token(t, 7), `{"reason":"shredded"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]interface{}{"field": "reason"}, resp.Data)
	assert.Empty(t, svc.revoked)

	w, _ = do(r, http.MethodPost, "/api/v1/certificates/1/revoke", token(t, 7), `{"reason":"keyCompromise"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"keyCompromise"}, svc.revoked)
}

func TestProviders(t *testing.T) {
	r := setupRouter(t, newFakeService())
	w, resp := do(r, http.MethodGet, "/api/v1/providers", token(t, 7), "")
	require.Equal(t, http.StatusOK, w.Code)
	items := resp.Data.(map[string]interface{})["items"].([]interface{})
	assert.Equal(t, "acme", items[0].(map[string]interface{})["name"])
}

func TestWebhook(t *testing.T) {
	svc := newFakeService()
	r := setupRouter(t, svc)

	w, resp := do(r, http.MethodPost, "/api/v1/webhooks/reseller", "", `{"id":"e1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"events": float64(1)}, resp.Data)

	svc.webhookErr = validation.ErrUnverifiedCallback
	w, _ = do(r, http.MethodPost, "/api/v1/webhooks/reseller", "", `{"id":"e2"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	svc.webhookErr = &certerr.NotFoundError{Resource: "provider", ID: "nope"}
	w, _ = do(r, http.MethodPost, "/api/v1/webhooks/nope", "", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(t, newFakeService())
	do(r, http.MethodGet, "/api/v1/ping", "", "")
	w, _ := do(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
