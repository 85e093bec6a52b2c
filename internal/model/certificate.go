package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Certificate represents one issued or in-progress TLS certificate
type Certificate struct {
	ID                    int        `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID        int        `gorm:"not null;index:idx_subscription_domain" json:"subscriptionId"`
	Domain                string     `gorm:"type:varchar(255);not null;index:idx_subscription_domain" json:"domain"`
	CertificateType       string     `gorm:"type:varchar(50);not null" json:"certificateType"`
	Status                string     `gorm:"type:varchar(30);not null;default:requested;index" json:"status"`
	ProviderName          string     `gorm:"type:varchar(100);not null" json:"providerName"`
	ProviderCertificateID string     `gorm:"type:varchar(500);index" json:"providerCertificateId"`
	ProviderPinned        bool       `gorm:"not null;default:false" json:"providerPinned"` // chosen by the caller, never failed over
	SlotKey               *string    `gorm:"type:varchar(300);uniqueIndex" json:"-"` // "<subscription>|<domain>" while holding the slot
	ValidationKey         *string    `gorm:"type:varchar(255);uniqueIndex" json:"-"`  // the domain, until validation is over
	RenewalOfID           *int       `gorm:"index" json:"renewalOfId"`
	SupersededByID        *int       `json:"supersededById"`
	IssuedAt              *time.Time `json:"issuedAt"`
	ExpiresAt             *time.Time `gorm:"index" json:"expiresAt"`
	LastError             *string    `gorm:"type:text" json:"lastError"`
	RevocationReason      *string    `gorm:"type:varchar(50)" json:"revocationReason"`
	CertPem               string     `gorm:"type:text" json:"certPem,omitempty"`
	ChainPem              string     `gorm:"type:text" json:"chainPem,omitempty"`
	KeyPem                []byte     `gorm:"type:blob" json:"-"` // opaque, never inspected
	SubmitAttempts        int        `gorm:"not null;default:0" json:"submitAttempts"`
	RenewalFailures       int        `gorm:"not null;default:0" json:"renewalFailures"`
	LastRenewalAttemptAt  *time.Time `json:"lastRenewalAttemptAt"`
	ExpiryAlertedAt       *time.Time `json:"-"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for Certificate
func (Certificate) TableName() string {
	return "certificates"
}

// Certificate status constants
const (
	CertificateStatusRequested         = "requested"
	CertificateStatusPendingValidation = "pending_validation"
	CertificateStatusIssuing           = "issuing"
	CertificateStatusActive            = "active"
	CertificateStatusRenewing          = "renewing"
	CertificateStatusRevoked           = "revoked"
	CertificateStatusFailed            = "failed"
	CertificateStatusSuperseded        = "superseded"
)

// Certificate type constants
const (
	CertificateTypeDV         = "dv"
	CertificateTypeDVWildcard = "dv-wildcard"
	CertificateTypeOV         = "ov"
)

// IsTerminal reports whether the certificate can no longer transition
func (c *Certificate) IsTerminal() bool {
	return IsTerminalStatus(c.Status)
}

// IsTerminalStatus reports whether status is one of the terminal states
func IsTerminalStatus(status string) bool {
	switch status {
	case CertificateStatusFailed, CertificateStatusRevoked, CertificateStatusSuperseded:
		return true
	}
	return false
}

// SlotKeyFor builds the key of the (subscription, domain) slot
func SlotKeyFor(subscriptionID int, domain string) string {
	return fmt.Sprintf("%d|%s", subscriptionID, domain)
}

// HoldSlot marks the certificate as the holder of its (subscription, domain) slot
func (c *Certificate) HoldSlot() {
	key := SlotKeyFor(c.SubscriptionID, c.Domain)
	c.SlotKey = &key
}

// ReleaseSlot clears the slot marker
func (c *Certificate) ReleaseSlot() {
	c.SlotKey = nil
}

// HoldValidation claims the domain for this certificate's validation. A
// domain has at most one claimant across all subscriptions.
func (c *Certificate) HoldValidation() {
	key := c.Domain
	c.ValidationKey = &key
}

// ReleaseValidation clears the validation claim
func (c *Certificate) ReleaseValidation() {
	c.ValidationKey = nil
}

const maxLastError = 2000

// SetLastError records msg, truncated on a rune boundary to keep rows bounded
func (c *Certificate) SetLastError(msg string) {
	if len(msg) > maxLastError {
		cut := maxLastError
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	c.LastError = &msg
}

// Clone returns a copy safe to hand across goroutines
func (c *Certificate) Clone() *Certificate {
	cp := *c
	cp.SlotKey = copyString(c.SlotKey)
	cp.ValidationKey = copyString(c.ValidationKey)
	cp.RenewalOfID = copyInt(c.RenewalOfID)
	cp.SupersededByID = copyInt(c.SupersededByID)
	cp.IssuedAt = copyTime(c.IssuedAt)
	cp.ExpiresAt = copyTime(c.ExpiresAt)
	cp.LastError = copyString(c.LastError)
	cp.RevocationReason = copyString(c.RevocationReason)
	cp.LastRenewalAttemptAt = copyTime(c.LastRenewalAttemptAt)
	cp.ExpiryAlertedAt = copyTime(c.ExpiryAlertedAt)
	if c.KeyPem != nil {
		cp.KeyPem = append([]byte(nil), c.KeyPem...)
	}
	return &cp
}
