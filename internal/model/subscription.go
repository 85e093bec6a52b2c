package model

import "time"

// Subscription is owned by the billing side; this service reads the limit
// and adjusts the certificate count only.
type Subscription struct {
	ID               int       `gorm:"primaryKey;autoIncrement" json:"id"`
	MaxDomains       int       `gorm:"not null;default:0" json:"maxDomains"`
	CertificateCount int       `gorm:"not null;default:0" json:"certificateCount"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}
