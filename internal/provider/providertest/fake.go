// Package providertest has an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go_certorch/internal/certerr"
	"go_certorch/internal/provider"
)

// Order is the fake provider's view of one certificate
type Order struct {
	ID         string
	Domains    []string
	Status     provider.Status
	Error      string
	Challenges []provider.ChallengeDescriptor
	Revoked    bool
}

// Adapter is a scriptable provider.Adapter. Zero values behave as a healthy
// provider that issues nothing until told to.
type Adapter struct {
	mu sync.Mutex

	name   string
	seq    int
	orders map[string]*Order
	calls  map[string]int

	Types          []string
	ChallengeTTL   time.Duration
	CreateErr      error
	StatusErr      error
	DownloadErr    error
	RevokeErr      error
	HealthErr      error
	InvalidDomains map[string]error
	NoChallenges   bool
	Now            func() time.Time
	Secret         string
}

// New returns a fake adapter called name
func New(name string) *Adapter {
	return &Adapter{
		name:         name,
		orders:       make(map[string]*Order),
		calls:        make(map[string]int),
		Types:        []string{"dv", "dv-wildcard"},
		ChallengeTTL: time.Hour,
		Now:          time.Now,
	}
}

func (a *Adapter) count(op string) {
	a.calls[op]++
}

// Calls returns how many times op was invoked
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// TotalCalls counts every provider call except the pure queries
func (a *Adapter) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for op, c := range a.calls {
		if op == "SupportedCertificateTypes" || op == "ValidateDomains" {
			continue
		}
		n += c
	}
	return n
}

// SetStatus moves an order to status
func (a *Adapter) SetStatus(id string, status provider.Status, errText string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.orders[id]; ok {
		o.Status = status
		o.Error = errText
	}
}

// Order returns a copy of the order with id
func (a *Adapter) Order(id string) (Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) CreateCertificate(_ context.Context, domains []string, _ provider.CreateOptions) (*provider.CreateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("CreateCertificate")
	if a.CreateErr != nil {
		return nil, a.CreateErr
	}
	a.seq++
	id := fmt.Sprintf("%s-order-%d", a.name, a.seq)
	o := &Order{ID: id, Domains: domains, Status: provider.StatusPending}
	if !a.NoChallenges {
		for _, d := range domains {
			o.Challenges = append(o.Challenges, provider.ChallengeDescriptor{
				Domain:      d,
				Type:        "dns-01",
				RecordName:  "_acme-challenge." + d,
				RecordType:  "TXT",
				RecordValue: "token-" + id,
				ExpiresAt:   a.Now().Add(a.ChallengeTTL),
			})
		}
	}
	a.orders[id] = o
	return &provider.CreateResult{ProviderCertificateID: id, InitialStatus: provider.StatusPending}, nil
}

func (a *Adapter) GetCertificateStatus(_ context.Context, id string) (*provider.StatusSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("GetCertificateStatus")
	if a.StatusErr != nil {
		return nil, a.StatusErr
	}
	o, ok := a.orders[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "order", ID: id}
	}
	snap := &provider.StatusSnapshot{ProviderCertificateID: id, Status: o.Status, Error: o.Error}
	if o.Status == provider.StatusIssued {
		issued := a.Now()
		expires := issued.Add(90 * 24 * time.Hour)
		snap.IssuedAt, snap.ExpiresAt = &issued, &expires
	}
	return snap, nil
}

func (a *Adapter) GetValidationInstructions(_ context.Context, id string) ([]provider.ChallengeDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("GetValidationInstructions")
	o, ok := a.orders[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "order", ID: id}
	}
	if o.Status != provider.StatusPending {
		return nil, nil
	}
	return append([]provider.ChallengeDescriptor(nil), o.Challenges...), nil
}

func (a *Adapter) DownloadCertificate(_ context.Context, id string) (*provider.Bundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("DownloadCertificate")
	if a.DownloadErr != nil {
		return nil, a.DownloadErr
	}
	o, ok := a.orders[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "order", ID: id}
	}
	if o.Status != provider.StatusIssued {
		return nil, &certerr.InvalidStateError{Current: string(o.Status), Operation: "download certificate"}
	}
	issued := a.Now()
	expires := issued.Add(90 * 24 * time.Hour)
	return &provider.Bundle{
		LeafPem:    "-----BEGIN CERTIFICATE-----\n" + id + "\n-----END CERTIFICATE-----\n",
		ChainPem:   "-----BEGIN CERTIFICATE-----\nchain\n-----END CERTIFICATE-----\n",
		PrivateKey: []byte("opaque-key-" + id),
		IssuedAt:   &issued,
		ExpiresAt:  &expires,
	}, nil
}

func (a *Adapter) RevokeCertificate(_ context.Context, id string, reason provider.RevocationReason) (*provider.RevocationConfirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("RevokeCertificate")
	if a.RevokeErr != nil {
		return nil, a.RevokeErr
	}
	o, ok := a.orders[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "order", ID: id}
	}
	if o.Revoked {
		return nil, &certerr.InvalidStateError{Current: "revoked", Operation: "revoke"}
	}
	o.Revoked = true
	o.Status = provider.StatusRevoked
	return &provider.RevocationConfirmation{ProviderCertificateID: id, Reason: reason, RevokedAt: a.Now()}, nil
}

func (a *Adapter) TestConnection(context.Context) provider.HealthResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("TestConnection")
	return provider.HealthResult{Healthy: a.HealthErr == nil, Error: a.HealthErr, CheckedAt: a.Now()}
}

func (a *Adapter) SupportedCertificateTypes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("SupportedCertificateTypes")
	return append([]string(nil), a.Types...)
}

func (a *Adapter) ValidateDomains(domains []string) map[string]error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count("ValidateDomains")
	out := make(map[string]error, len(domains))
	for _, d := range domains {
		out[d] = a.InvalidDomains[d]
	}
	return out
}

// VerifyWebhook accepts callbacks whose X-Fake-Secret header matches Secret.
// Body is taken as the provider certificate id.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) (*provider.Signal, error) {
	if a.Secret == "" || header.Get("X-Fake-Secret") != a.Secret {
		return nil, fmt.Errorf("bad secret")
	}
	return &provider.Signal{
		ID:                    header.Get("X-Fake-Event-Id"),
		ProviderCertificateID: string(body),
		Event:                 "order.updated",
	}, nil
}
