package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	SMSLogSent        = "sent"
	SMSLogFailed      = "failed"
	SMSLogRateLimited = "rate_limited"
)

// SMSLog is one outbound message attempt to one phone number.
type SMSLog struct {
	ID                uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RequestID         *uuid.UUID `gorm:"type:uuid;index" json:"request_id"`
	Phone             string     `gorm:"type:varchar(20);not null;index:idx_sms_phone_created" json:"phone"`
	RecipientKey      string     `gorm:"type:varchar(30)" json:"recipient_key"`
	Template          string     `gorm:"type:varchar(40)" json:"template"`
	Message           string     `gorm:"type:text" json:"message"`
	Status            string     `gorm:"type:varchar(20);not null;index" json:"status"`
	ProviderMessageID string     `gorm:"type:varchar(100)" json:"provider_message_id,omitempty"`
	Error             string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt         time.Time  `gorm:"index:idx_sms_phone_created" json:"created_at"`
}
