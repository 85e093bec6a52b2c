package provider

import (
	"context"
	"net/http"
	"time"
)

// Status is a provider-reported certificate state
type Status string

const (
	StatusPending   Status = "pending"   // challenges outstanding
	StatusValidated Status = "validated" // domain control proven, issuance under way
	StatusIssued    Status = "issued"
	StatusFailed    Status = "failed"
	StatusRevoked   Status = "revoked"
)

// CreateOptions carries per-request issuance options
type CreateOptions struct {
	CertificateType string
	ChallengeType   string // dns-01|http-01, empty lets the provider choose
}

// CreateResult is returned by a successful issuance submission
type CreateResult struct {
	ProviderCertificateID string
	InitialStatus         Status
}

// StatusSnapshot is one read of the provider's view of a certificate
type StatusSnapshot struct {
	ProviderCertificateID string
	Status                Status
	Error                 string // provider error text, verbatim
	IssuedAt              *time.Time
	ExpiresAt             *time.Time
}

// ChallengeDescriptor is one outstanding proof requirement
type ChallengeDescriptor struct {
	Domain      string    `json:"domain"`
	Type        string    `json:"type"`
	Token       string    `json:"token,omitempty"`
	RecordName  string    `json:"recordName,omitempty"`
	RecordType  string    `json:"recordType,omitempty"`
	RecordValue string    `json:"recordValue,omitempty"`
	URL         string    `json:"url,omitempty"` // http-01 path or provider challenge url
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Bundle is the downloadable certificate material
type Bundle struct {
	LeafPem    string
	ChainPem   string
	PrivateKey []byte // opaque, may be nil when the key never left the caller
	IssuedAt   *time.Time
	ExpiresAt  *time.Time
}

// RevocationConfirmation acknowledges a revoke call
type RevocationConfirmation struct {
	ProviderCertificateID string
	Reason                RevocationReason
	RevokedAt             time.Time
}

// HealthResult is the outcome of a liveness check
type HealthResult struct {
	Healthy   bool
	Latency   time.Duration
	Error     error
	CheckedAt time.Time
}

// Adapter is implemented once per CA or reseller. Implementations translate
// their own failures into the certerr taxonomy before returning.
type Adapter interface {
	Name() string
	CreateCertificate(ctx context.Context, domains []string, opts CreateOptions) (*CreateResult, error)
	GetCertificateStatus(ctx context.Context, providerCertificateID string) (*StatusSnapshot, error)
	GetValidationInstructions(ctx context.Context, providerCertificateID string) ([]ChallengeDescriptor, error)
	DownloadCertificate(ctx context.Context, providerCertificateID string) (*Bundle, error)
	RevokeCertificate(ctx context.Context, providerCertificateID string, reason RevocationReason) (*RevocationConfirmation, error)
	TestConnection(ctx context.Context) HealthResult
	SupportedCertificateTypes() []string
	ValidateDomains(domains []string) map[string]error
}

// Signal is a verified provider callback
type Signal struct {
	ID                    string // provider event id, used for replay suppression
	ProviderCertificateID string
	Event                 string
}

// WebhookVerifier is implemented by adapters that accept callbacks.
// VerifyWebhook must reject anything it cannot attribute to the provider.
type WebhookVerifier interface {
	VerifyWebhook(header http.Header, body []byte) (*Signal, error)
}

// Supports reports whether t is in the adapter's supported certificate types
func Supports(a Adapter, t string) bool {
	for _, s := range a.SupportedCertificateTypes() {
		if s == t {
			return true
		}
	}
	return false
}
