// Package reseller adapts a JSON-over-HTTPS certificate reseller API to
// provider.Adapter. The reseller generates the key pair and hands it back
// with the certificate; it is forwarded without inspection.
package reseller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/certerr"
	"go_certorch/internal/domainutil"
	"go_certorch/internal/provider"
)

const (
	defaultTimeout   = 20 * time.Second
	maxResponseBytes = 4 << 20
)

// Config holds the reseller connection settings
type Config struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	Types         []string
}

// Adapter talks to the reseller API
type Adapter struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret []byte
	types         []string
	client        *http.Client
	logger        *logrus.Entry
	now           func() time.Time
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.WebhookVerifier = (*Adapter)(nil)
)

// New validates cfg and returns an adapter
func New(cfg Config, logger *logrus.Entry) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reseller base URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid reseller base URL: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("reseller API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "reseller"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{"dv", "dv-wildcard", "ov", "ev"}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Adapter{
		name:          cfg.Name,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		types:         append([]string(nil), cfg.Types...),
		client:        &http.Client{Timeout: cfg.Timeout},
		logger:        logger.WithField("provider", cfg.Name),
		now:           time.Now,
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportedCertificateTypes() []string {
	return append([]string(nil), a.types...)
}

func (a *Adapter) ValidateDomains(domains []string) map[string]error {
	out := make(map[string]error, len(domains))
	for _, d := range domains {
		if _, err := domainutil.CheckIssuable(d); err != nil {
			out[d] = err
		}
	}
	return out
}

type orderRequest struct {
	Domains       []string `json:"domains"`
	ProductType   string   `json:"productType"`
	ChallengeType string   `json:"challengeType,omitempty"`
}

type order struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	IssuedAt  *time.Time `json:"issuedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type challenge struct {
	Domain      string    `json:"domain"`
	Type        string    `json:"type"`
	Token       string    `json:"token"`
	RecordName  string    `json:"recordName"`
	RecordType  string    `json:"recordType"`
	RecordValue string    `json:"recordValue"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type certificateBody struct {
	Certificate string     `json:"certificate"`
	Chain       string     `json:"chain"`
	PrivateKey  string     `json:"privateKey"`
	IssuedAt    *time.Time `json:"issuedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type revokeRequest struct {
	Reason     string `json:"reason"`
	ReasonCode int    `json:"reasonCode"`
}

type revokeResponse struct {
	ID        string    `json:"id"`
	RevokedAt time.Time `json:"revokedAt"`
}

func orderPath(id string, suffix string) string {
	return "/v1/orders/" + url.PathEscape(id) + suffix
}

func (a *Adapter) CreateCertificate(ctx context.Context, domains []string, opts provider.CreateOptions) (*provider.CreateResult, error) {
	if len(domains) == 0 {
		return nil, certerr.Invalid("domains", "at least one domain is required")
	}
	var o order
	req := orderRequest{Domains: domains, ProductType: opts.CertificateType, ChallengeType: opts.ChallengeType}
	if err := a.do(ctx, http.MethodPost, "/v1/orders", req, &o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, &certerr.ProviderUnavailableError{Provider: a.name, Err: errors.New("order created without id")}
	}
	a.logger.WithFields(logrus.Fields{"order": o.ID, "domains": domains}).Info("reseller order created")
	return &provider.CreateResult{ProviderCertificateID: o.ID, InitialStatus: mapStatus(o.Status)}, nil
}

func (a *Adapter) GetCertificateStatus(ctx context.Context, id string) (*provider.StatusSnapshot, error) {
	var o order
	if err := a.do(ctx, http.MethodGet, orderPath(id, ""), nil, &o); err != nil {
		return nil, err
	}
	return &provider.StatusSnapshot{
		ProviderCertificateID: id,
		Status:                mapStatus(o.Status),
		Error:                 o.Error,
		IssuedAt:              o.IssuedAt,
		ExpiresAt:             o.ExpiresAt,
	}, nil
}

func (a *Adapter) GetValidationInstructions(ctx context.Context, id string) ([]provider.ChallengeDescriptor, error) {
	var body struct {
		Challenges []challenge `json:"challenges"`
	}
	if err := a.do(ctx, http.MethodGet, orderPath(id, "/challenges"), nil, &body); err != nil {
		return nil, err
	}
	out := make([]provider.ChallengeDescriptor, 0, len(body.Challenges))
	for _, c := range body.Challenges {
		out = append(out, provider.ChallengeDescriptor{
			Domain:      c.Domain,
			Type:        c.Type,
			Token:       c.Token,
			RecordName:  c.RecordName,
			RecordType:  c.RecordType,
			RecordValue: c.RecordValue,
			URL:         c.URL,
			ExpiresAt:   c.ExpiresAt,
		})
	}
	return out, nil
}

func (a *Adapter) DownloadCertificate(ctx context.Context, id string) (*provider.Bundle, error) {
	var body certificateBody
	if err := a.do(ctx, http.MethodGet, orderPath(id, "/certificate"), nil, &body); err != nil {
		return nil, err
	}
	if body.Certificate == "" {
		return nil, &certerr.InvalidStateError{Current: "not issued", Operation: "download certificate"}
	}
	b := &provider.Bundle{
		LeafPem:   body.Certificate,
		ChainPem:  body.Chain,
		IssuedAt:  body.IssuedAt,
		ExpiresAt: body.ExpiresAt,
	}
	if body.PrivateKey != "" {
		b.PrivateKey = []byte(body.PrivateKey)
	}
	return b, nil
}

func (a *Adapter) RevokeCertificate(ctx context.Context, id string, reason provider.RevocationReason) (*provider.RevocationConfirmation, error) {
	if !reason.Valid() {
		return nil, certerr.Invalid("reason", "%q is not an RFC 5280 revocation reason", reason)
	}
	var resp revokeResponse
	if err := a.do(ctx, http.MethodPost, orderPath(id, "/revoke"), revokeRequest{Reason: string(reason), ReasonCode: reason.Code()}, &resp); err != nil {
		return nil, err
	}
	revokedAt := resp.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = a.now()
	}
	return &provider.RevocationConfirmation{ProviderCertificateID: id, Reason: reason, RevokedAt: revokedAt}, nil
}

func (a *Adapter) TestConnection(ctx context.Context) provider.HealthResult {
	start := a.now()
	err := a.do(ctx, http.MethodGet, "/v1/ping", nil, nil)
	res := provider.HealthResult{
		Healthy:   err == nil,
		Latency:   a.now().Sub(start),
		Error:     err,
		CheckedAt: a.now(),
	}
	if err != nil {
		a.logger.WithError(err).Warn("reseller ping failed")
	}
	return res
}

// mapStatus folds the reseller vocabulary into provider.Status
func mapStatus(s string) provider.Status {
	switch strings.ToLower(s) {
	case "issued", "active", "complete", "completed":
		return provider.StatusIssued
	case "processing", "validated", "issuing":
		return provider.StatusValidated
	case "failed", "rejected", "cancelled", "canceled", "expired":
		return provider.StatusFailed
	case "revoked":
		return provider.StatusRevoked
	default:
		return provider.StatusPending
	}
}
