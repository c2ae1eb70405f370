package repository

import (
	"context"
	"time"

	"ictaccess/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SMSLogRepository interface {
	Create(ctx context.Context, entry *model.SMSLog) error
	// CountSentSince counts messages delivered to phone after since.
	CountSentSince(ctx context.Context, phone string, since time.Time) (int64, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]model.SMSLog, error)
}

type smsLogRepository struct {
	db *gorm.DB
}

func NewSMSLogRepository(db *gorm.DB) SMSLogRepository {
	return &smsLogRepository{db: db}
}

func (r *smsLogRepository) Create(ctx context.Context, entry *model.SMSLog) error {
	return GetDB(ctx, r.db).Create(entry).Error
}

func (r *smsLogRepository) CountSentSince(ctx context.Context, phone string, since time.Time) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.SMSLog{}).
		Where("phone = ? AND status = ? AND created_at >= ?", phone, model.SMSLogSent, since).
		Count(&count).Error
	return count, err
}

func (r *smsLogRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]model.SMSLog, error) {
	var logs []model.SMSLog
	if err := GetDB(ctx, r.db).Where("request_id = ?", requestID).Order("created_at DESC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
