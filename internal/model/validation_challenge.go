package model

import (
	"time"

	"gorm.io/datatypes"
)

// ValidationChallenge represents one outstanding domain-control proof for a certificate
type ValidationChallenge struct {
	ID            int            `gorm:"primaryKey;autoIncrement" json:"id"`
	CertificateID int            `gorm:"not null;index" json:"certificateId"`
	Domain        string         `gorm:"type:varchar(255);not null" json:"domain"`
	Type          string         `gorm:"type:varchar(20);not null" json:"type"` // dns-01|http-01
	Instructions  datatypes.JSON `gorm:"type:json" json:"instructions"`        // provider-supplied token/record data, verbatim
	Status        string         `gorm:"type:varchar(20);not null;default:pending;index" json:"status"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	ExpiresAt     time.Time      `gorm:"not null;index" json:"expiresAt"`
	ClosedAt      *time.Time     `json:"closedAt"`
}

// TableName specifies the table name for ValidationChallenge
func (ValidationChallenge) TableName() string {
	return "validation_challenges"
}

// ValidationChallenge status constants
const (
	ChallengeStatusPending   = "pending"
	ChallengeStatusSatisfied = "satisfied"
	ChallengeStatusExpired   = "expired"
)

// ChallengeType constants
const (
	ChallengeTypeDNS01  = "dns-01"
	ChallengeTypeHTTP01 = "http-01"
)

// IsOpen reports whether the challenge is still outstanding
func (v *ValidationChallenge) IsOpen() bool {
	return v.Status == ChallengeStatusPending
}

// Overdue reports whether an open challenge has passed its deadline at now
func (v *ValidationChallenge) Overdue(now time.Time) bool {
	return v.IsOpen() && !now.Before(v.ExpiresAt)
}

// Close moves the challenge to a closed status
func (v *ValidationChallenge) Close(status string, at time.Time) {
	v.Status = status
	v.ClosedAt = &at
}
