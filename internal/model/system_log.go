package model

import "time"

// SystemLog is a persisted log line
type SystemLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Level     string    `gorm:"type:varchar(10);not null;index" json:"level"`
	Component string    `gorm:"type:varchar(100)" json:"component"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Fields    string    `gorm:"type:text" json:"fields"`
	LoggedAt  time.Time `gorm:"not null;index" json:"loggedAt"`
}

// TableName specifies the table name for SystemLog
func (SystemLog) TableName() string {
	return "system_logs"
}
