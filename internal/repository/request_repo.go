package repository

import (
	"context"
	"fmt"
	"time"

	"ictaccess/internal/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RequestFilter narrows List results. Empty fields match everything.
type RequestFilter struct {
	Status      string
	Type        string
	RequesterID *uuid.UUID
	Stage       string
	Page        int
	Limit       int
}

type RequestRepository interface {
	Create(ctx context.Context, req *model.AccessRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error)
	// FindByIDForUpdate row-locks the request for the rest of the transaction.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error)
	// UpdateState persists derived fields and the given slots if the stored
	// version still equals expectedVersion, then bumps the version.
	UpdateState(ctx context.Context, req *model.AccessRequest, expectedVersion int, slots ...*model.ApprovalStage) error
	// UpdateSMSStatus stores delivery under recipientKey unless the stored
	// entry belongs to a newer event.
	UpdateSMSStatus(ctx context.Context, id uuid.UUID, recipientKey string, delivery model.SMSDelivery) error
	List(ctx context.Context, filter RequestFilter) ([]model.AccessRequest, int64, error)
	NextReference(ctx context.Context, prefix string, day time.Time) (string, error)
	SoftDeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type requestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

func withStages(db *gorm.DB) *gorm.DB {
	return db.Preload("Stages", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	})
}

func (r *requestRepository) Create(ctx context.Context, req *model.AccessRequest) error {
	return GetDB(ctx, r.db).Create(req).Error
}

func (r *requestRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	var req model.AccessRequest
	if err := withStages(GetDB(ctx, r.db)).Preload("Requester").First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	db := GetDB(ctx, r.db)

	// Lock the parent row first; stage rows are only written under this lock.
	var req model.AccessRequest
	if err := forUpdate(ctx, db).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if err := db.Where("request_id = ?", id).Order("position ASC").Find(&req.Stages).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) UpdateState(ctx context.Context, req *model.AccessRequest, expectedVersion int, slots ...*model.ApprovalStage) error {
	db := GetDB(ctx, r.db)

	res := db.Model(&model.AccessRequest{}).
		Where("id = ? AND version = ?", req.ID, expectedVersion).
		Updates(map[string]interface{}{
			"overall_status": req.OverallStatus,
			"current_stage":  req.CurrentStage,
			"cancel_reason":  req.CancelReason,
			"cancelled_by":   req.CancelledBy,
			"cancelled_at":   req.CancelledAt,
			"version":        expectedVersion + 1,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	req.Version = expectedVersion + 1

	for _, slot := range slots {
		// Only a pending slot may be decided; the guard keeps decisions append-only.
		res := db.Model(&model.ApprovalStage{}).
			Where("id = ? AND status = ?", slot.ID, model.StageStatusPending).
			Updates(map[string]interface{}{
				"status":        slot.Status,
				"actor_id":      slot.ActorID,
				"comments":      slot.Comments,
				"decided_at":    slot.DecidedAt,
				"signature_ref": slot.SignatureRef,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
	}
	return nil
}

func (r *requestRepository) UpdateSMSStatus(ctx context.Context, id uuid.UUID, recipientKey string, delivery model.SMSDelivery) error {
	return GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var req model.AccessRequest
		if err := tx.Clauses(lockingUpdate()).Select("id", "sms_status").First(&req, "id = ?", id).Error; err != nil {
			return err
		}
		statuses := req.SMSDeliveries()
		if current, ok := statuses[recipientKey]; ok && !delivery.Supersedes(current) {
			return nil
		}
		statuses[recipientKey] = delivery
		// sms_status only: the version column belongs to the approval state.
		return tx.Model(&model.AccessRequest{}).Where("id = ?", id).
			UpdateColumn("sms_status", datatypes.NewJSONType(statuses)).Error
	})
}

func (r *requestRepository) List(ctx context.Context, filter RequestFilter) ([]model.AccessRequest, int64, error) {
	var requests []model.AccessRequest
	var total int64

	scope := func(db *gorm.DB) *gorm.DB {
		if filter.Status != "" {
			db = db.Where("overall_status = ?", filter.Status)
		}
		if filter.Type != "" {
			db = db.Where("type = ?", filter.Type)
		}
		if filter.RequesterID != nil {
			db = db.Where("requester_id = ?", *filter.RequesterID)
		}
		if filter.Stage != "" {
			db = db.Where("current_stage = ?", filter.Stage)
		}
		return db
	}

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.AccessRequest{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	if err := withStages(db).Preload("Requester").Scopes(scope).
		Order("created_at DESC").Offset(offset).Limit(filter.Limit).
		Find(&requests).Error; err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// NextReference returns PREFIX-YYYYMMDD-NNNNN, numbering requests per day.
func (r *requestRepository) NextReference(ctx context.Context, prefix string, day time.Time) (string, error) {
	db := GetDB(ctx, r.db)
	stem := fmt.Sprintf("%s-%s-", prefix, day.Format("20060102"))

	// Use advisory lock to prevent concurrent duplicate references
	if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", stem).Error; err != nil {
		return "", err
	}

	var count int64
	if err := db.Unscoped().Model(&model.AccessRequest{}).
		Where("reference LIKE ?", stem+"%").
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", stem, count+1), nil
}

func (r *requestRepository) SoftDeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := GetDB(ctx, r.db).
		Where("overall_status IN ? AND updated_at < ?",
			[]string{model.RequestStatusCancelled, model.RequestStatusRejected}, cutoff).
		Delete(&model.AccessRequest{})
	return res.RowsAffected, res.Error
}
