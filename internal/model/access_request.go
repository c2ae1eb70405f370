package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Request types
const (
	RequestTypeModuleAccess   = "module_access"
	RequestTypeCombinedAccess = "combined_access" // jeeva + wellsoft + internet
	RequestTypeDeviceBooking  = "device_booking"
)

// Overall request status. Always derived from the stage slots, never set by callers.
const (
	RequestStatusPending   = "pending"
	RequestStatusInReview  = "in_review"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusCancelled = "cancelled"
	RequestStatusCompleted = "completed"
)

// Stage slot status
const (
	StageStatusPending  = "pending"
	StageStatusApproved = "approved"
	StageStatusRejected = "rejected"
)

// Stage names
const (
	StageHOD                = "hod"
	StageDivisionalDirector = "divisional_director"
	StageDICT               = "dict"
	StageHeadOfIT           = "head_of_it"
	StageICTOfficer         = "ict_officer"

	// StageCompleted is the current_stage value once every required slot is approved.
	StageCompleted = "completed"
)

// SMS delivery outcome per addressed party
const (
	SMSStatusSent         = "sent"
	SMSStatusFailed       = "failed"
	SMSStatusNotAttempted = "not_attempted"
)

// Recipient keys used in AccessRequest.SMSStatus
const (
	RecipientRequester       = "requester"
	RecipientApprovers       = "approvers"
	RecipientAdditionalUsers = "additional_users"
	RecipientOfficer         = "officer"
)

// SMSDelivery records the last notification attempt for one addressed party.
type SMSDelivery struct {
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	// EventAt is when the workflow event behind this attempt occurred.
	EventAt time.Time `json:"event_at"`
}

// Supersedes reports whether d may replace stored. An outcome for an older
// event never overwrites one for a newer event; a replay of the same event may.
func (d SMSDelivery) Supersedes(stored SMSDelivery) bool {
	return !d.EventAt.Before(stored.EventAt)
}

// AccessRequest is one ICT access or device booking request together with its
// accumulated per-stage approval data.
type AccessRequest struct {
	ID                    uuid.UUID                                `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Type                  string                                   `gorm:"type:varchar(30);not null;index" json:"type"`
	Reference             string                                   `gorm:"type:varchar(40);uniqueIndex;not null" json:"reference"`
	RequesterID           uuid.UUID                                `gorm:"type:uuid;not null;index" json:"requester_id"`
	Requester             *User                                    `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	Department            string                                   `gorm:"type:varchar(100);index" json:"department"`
	Payload               datatypes.JSON                           `gorm:"type:jsonb" json:"payload"` // requested modules or booking window
	OverallStatus         string                                   `gorm:"type:varchar(20);not null;default:'pending';index" json:"overall_status"`
	CurrentStage          string                                   `gorm:"type:varchar(30);index" json:"current_stage"`
	AdditionalNotifyUsers pq.StringArray                           `gorm:"type:text[]" json:"additional_notify_users"`
	SMSStatus             datatypes.JSONType[map[string]SMSDelivery] `gorm:"type:jsonb" json:"sms_status"`
	CancelReason          string                                   `gorm:"type:text" json:"cancel_reason,omitempty"`
	CancelledBy           *uuid.UUID                               `gorm:"type:uuid" json:"cancelled_by,omitempty"`
	CancelledAt           *time.Time                               `json:"cancelled_at,omitempty"`
	Version               int                                      `gorm:"not null;default:1" json:"version"`
	Stages                []ApprovalStage                          `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE" json:"stages"`
	CreatedAt             time.Time                                `json:"created_at"`
	UpdatedAt             time.Time                                `json:"updated_at"`
	DeletedAt             gorm.DeletedAt                           `gorm:"index" json:"-"`
}

// Stage returns the slot for the named stage, or nil when the request has none.
func (r *AccessRequest) Stage(name string) *ApprovalStage {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// SMSDeliveries returns a copy of the per-recipient delivery map.
func (r *AccessRequest) SMSDeliveries() map[string]SMSDelivery {
	src := r.SMSStatus.Data()
	out := make(map[string]SMSDelivery, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ApprovalStage is the decision slot of one stage on one request. A slot moves
// from pending to approved or rejected exactly once.
type ApprovalStage struct {
	ID           uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RequestID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_request_stage" json:"request_id"`
	Stage        string     `gorm:"type:varchar(30);not null;uniqueIndex:idx_request_stage" json:"stage"`
	Position     int        `gorm:"not null" json:"position"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	ActorID      *uuid.UUID `gorm:"type:uuid" json:"actor_id"`
	Comments     *string    `gorm:"type:text" json:"comments"`
	DecidedAt    *time.Time `json:"decided_at"`
	SignatureRef *string    `gorm:"type:varchar(255)" json:"signature_ref"`
}

// Pending reports whether the slot is still undecided.
func (s ApprovalStage) Pending() bool {
	return s.Status == StageStatusPending
}
