package model

import (
	"time"

	"github.com/google/uuid"
)

// Task assignment status
const (
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// Task priority
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task kinds; each kind carries its own workload cap.
const (
	TaskKindGeneric = "generic"
	TaskKindICT     = "ict"
)

// TaskAssignment hands an approved request to an ICT officer for implementation.
// At most one non-cancelled assignment exists per request.
type TaskAssignment struct {
	ID           uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RequestID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"request_id"`
	AssignedTo   uuid.UUID  `gorm:"type:uuid;not null;index" json:"assigned_to"`
	Officer      *User      `gorm:"foreignKey:AssignedTo" json:"officer,omitempty"`
	AssignedBy   uuid.UUID  `gorm:"type:uuid;not null" json:"assigned_by"`
	Status       string     `gorm:"type:varchar(20);not null;default:'assigned';index" json:"status"`
	Priority     string     `gorm:"type:varchar(10);not null;default:'normal'" json:"priority"`
	Kind         string     `gorm:"type:varchar(10);not null;default:'ict'" json:"kind"`
	Notes        string     `gorm:"type:text" json:"notes"`
	CancelReason string     `gorm:"type:text" json:"cancel_reason,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the assignment counts toward the officer's workload.
func (t TaskAssignment) Active() bool {
	return t.Status == TaskStatusAssigned || t.Status == TaskStatusInProgress
}
