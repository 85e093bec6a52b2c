package model

import "time"

// ProviderHealthRecord is the liveness state of one provider
type ProviderHealthRecord struct {
	ProviderName        string     `gorm:"type:varchar(100);primaryKey" json:"providerName"`
	Available           bool       `gorm:"not null;default:true" json:"available"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutiveFailures"`
	LastCheckAt         *time.Time `json:"lastCheckAt"`
	LastFailureAt       *time.Time `json:"lastFailureAt"`
	LastError           *string    `gorm:"type:varchar(500)" json:"lastError"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for ProviderHealthRecord
func (ProviderHealthRecord) TableName() string {
	return "provider_health"
}
