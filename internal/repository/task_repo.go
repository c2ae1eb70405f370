package repository

import (
	"context"

	"ictaccess/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TaskRepository interface {
	Create(ctx context.Context, task *model.TaskAssignment) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.TaskAssignment, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.TaskAssignment, error)
	// FindActiveByRequest returns gorm.ErrRecordNotFound when the request has
	// no assigned or in-progress task.
	FindActiveByRequest(ctx context.Context, requestID uuid.UUID) (*model.TaskAssignment, error)
	// LockOfficer serializes workload checks for one officer until the
	// surrounding transaction ends.
	LockOfficer(ctx context.Context, officerID uuid.UUID) error
	CountActiveByOfficer(ctx context.Context, officerID uuid.UUID) (int64, error)
	ActiveCounts(ctx context.Context) (map[uuid.UUID]int64, error)
	Update(ctx context.Context, task *model.TaskAssignment) error
}

type taskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

var activeTaskStatuses = []string{model.TaskStatusAssigned, model.TaskStatusInProgress}

func (r *taskRepository) Create(ctx context.Context, task *model.TaskAssignment) error {
	return GetDB(ctx, r.db).Create(task).Error
}

func (r *taskRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.TaskAssignment, error) {
	var task model.TaskAssignment
	if err := GetDB(ctx, r.db).Preload("Officer").First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.TaskAssignment, error) {
	var task model.TaskAssignment
	if err := forUpdate(ctx, GetDB(ctx, r.db)).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) FindActiveByRequest(ctx context.Context, requestID uuid.UUID) (*model.TaskAssignment, error) {
	var task model.TaskAssignment
	if err := GetDB(ctx, r.db).Preload("Officer").
		Where("request_id = ? AND status IN ?", requestID, activeTaskStatuses).
		Order("created_at DESC").
		First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) LockOfficer(ctx context.Context, officerID uuid.UUID) error {
	return GetDB(ctx, r.db).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "officer:"+officerID.String()).Error
}

func (r *taskRepository) CountActiveByOfficer(ctx context.Context, officerID uuid.UUID) (int64, error) {
	var count int64
	err := GetDB(ctx, r.db).Model(&model.TaskAssignment{}).
		Where("assigned_to = ? AND status IN ?", officerID, activeTaskStatuses).
		Count(&count).Error
	return count, err
}

func (r *taskRepository) ActiveCounts(ctx context.Context) (map[uuid.UUID]int64, error) {
	var rows []struct {
		AssignedTo uuid.UUID
		Total      int64
	}
	if err := GetDB(ctx, r.db).Model(&model.TaskAssignment{}).
		Select("assigned_to, COUNT(*) AS total").
		Where("status IN ?", activeTaskStatuses).
		Group("assigned_to").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		counts[row.AssignedTo] = row.Total
	}
	return counts, nil
}

func (r *taskRepository) Update(ctx context.Context, task *model.TaskAssignment) error {
	return GetDB(ctx, r.db).Omit("Officer").Save(task).Error
}
