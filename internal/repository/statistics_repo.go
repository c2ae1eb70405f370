package repository

import (
	"context"
	"fmt"
	"time"

	"ictaccess/internal/model"

	"gorm.io/gorm"
)

type StatisticsRepository interface {
	CountRequests(ctx context.Context, start, end time.Time) ([]model.RequestCount, error)
	// StageBacklog groups open requests by current stage. It ignores the time range.
	StageBacklog(ctx context.Context) ([]model.StageBacklog, error)
	CountSMS(ctx context.Context, start, end time.Time) ([]model.StatusCount, error)
}

type statisticsRepository struct {
	db *gorm.DB
}

func NewStatisticsRepository(db *gorm.DB) StatisticsRepository {
	return &statisticsRepository{db: db}
}

func (r *statisticsRepository) CountRequests(ctx context.Context, start, end time.Time) ([]model.RequestCount, error) {
	var rows []model.RequestCount
	if err := GetDB(ctx, r.db).Model(&model.AccessRequest{}).
		Select("type, overall_status AS status, COUNT(*) AS count").
		Where("created_at >= ? AND created_at <= ?", start, end).
		Group("type, overall_status").
		Order("type, overall_status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	return rows, nil
}

func (r *statisticsRepository) StageBacklog(ctx context.Context) ([]model.StageBacklog, error) {
	var rows []model.StageBacklog
	if err := GetDB(ctx, r.db).Model(&model.AccessRequest{}).
		Select("current_stage AS stage, COUNT(*) AS count, MIN(updated_at) AS oldest_at").
		Where("overall_status IN ?", []string{model.RequestStatusPending, model.RequestStatusInReview, model.RequestStatusApproved}).
		Where("current_stage <> '' AND current_stage <> ?", model.StageCompleted).
		Group("current_stage").
		Order("count DESC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query stage backlog: %w", err)
	}
	return rows, nil
}

func (r *statisticsRepository) CountSMS(ctx context.Context, start, end time.Time) ([]model.StatusCount, error) {
	var rows []model.StatusCount
	if err := GetDB(ctx, r.db).Model(&model.SMSLog{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ? AND created_at <= ?", start, end).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count sms logs: %w", err)
	}
	return rows, nil
}
