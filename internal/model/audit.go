package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionSubmitRequest   = "SUBMIT_REQUEST"
	ActionApproveStage    = "APPROVE_STAGE"
	ActionRejectStage     = "REJECT_STAGE"
	ActionCancelRequest   = "CANCEL_REQUEST"
	ActionAssignTask      = "ASSIGN_TASK"
	ActionUpdateTask      = "UPDATE_TASK"
	ActionCancelTask      = "CANCEL_TASK"
	ActionCompleteRequest = "COMPLETE_REQUEST"
	ActionCleanupRequests = "CLEANUP_REQUESTS"
)

// AuditLog tracks Who, What, and When for critical system changes
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"` // Nullable gracefully if automated bot
	User       *User      `gorm:"foreignKey:UserID" json:"user"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(50);index" json:"entity_id"`        // Reference string (uuid/code)
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"` // Human readable name
	Details    string     `gorm:"type:jsonb" json:"details"`                      // Serialized JSON payload of the action
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}
