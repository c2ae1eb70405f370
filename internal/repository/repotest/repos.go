package repotest

import (
	"context"
	"sort"
	"time"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type taskRepo struct {
	s *Store
}

func (r *taskRepo) Create(_ context.Context, task *model.TaskAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	cp := *task
	cp.Officer = nil
	r.s.tasks[task.ID] = &cp
	return nil
}

func (r *taskRepo) find(id uuid.UUID) (*model.TaskAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	task, ok := r.s.tasks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *task
	if u, ok := r.s.users[task.AssignedTo]; ok {
		cp.Officer = &u
	}
	return &cp, nil
}

func (r *taskRepo) FindByID(_ context.Context, id uuid.UUID) (*model.TaskAssignment, error) {
	return r.find(id)
}

func (r *taskRepo) FindByIDForUpdate(_ context.Context, id uuid.UUID) (*model.TaskAssignment, error) {
	return r.find(id)
}

func (r *taskRepo) FindActiveByRequest(_ context.Context, requestID uuid.UUID) (*model.TaskAssignment, error) {
	r.s.mu.Lock()
	var found *model.TaskAssignment
	for _, task := range r.s.tasks {
		if task.RequestID == requestID && task.Active() {
			found = task
			break
		}
	}
	r.s.mu.Unlock()
	if found == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return r.find(found.ID)
}

func (r *taskRepo) LockOfficer(context.Context, uuid.UUID) error {
	// transactions are already serialized by the store
	return nil
}

func (r *taskRepo) CountActiveByOfficer(_ context.Context, officerID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, task := range r.s.tasks {
		if task.AssignedTo == officerID && task.Active() {
			n++
		}
	}
	return n, nil
}

func (r *taskRepo) ActiveCounts(context.Context) (map[uuid.UUID]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[uuid.UUID]int64)
	for _, task := range r.s.tasks {
		if task.Active() {
			counts[task.AssignedTo]++
		}
	}
	return counts, nil
}

func (r *taskRepo) Update(_ context.Context, task *model.TaskAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[task.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	task.UpdatedAt = time.Now()
	cp := *task
	cp.Officer = nil
	r.s.tasks[task.ID] = &cp
	return nil
}

type userRepo struct {
	s *Store
}

func (r *userRepo) Create(_ context.Context, user *model.User) error {
	*user = r.s.AddUser(*user)
	return nil
}

func (r *userRepo) FindByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

func (r *userRepo) FindByIDs(_ context.Context, ids []uuid.UUID) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var users []model.User
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *userRepo) ListByRole(_ context.Context, role, department string) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var users []model.User
	for _, u := range r.s.users {
		if u.Role != role {
			continue
		}
		if department != "" && u.Department != department {
			continue
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (r *userRepo) List(_ context.Context, page, limit int) ([]model.User, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	users := make([]model.User, 0, len(r.s.users))
	for _, u := range r.s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	total := int64(len(users))
	start := (page - 1) * limit
	if start < 0 || start >= len(users) {
		return []model.User{}, total, nil
	}
	end := start + limit
	if end > len(users) {
		end = len(users)
	}
	return users[start:end], total, nil
}

type auditRepo struct {
	s *Store
}

func (r *auditRepo) Log(_ context.Context, entry *model.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailAudit != nil {
		return r.s.FailAudit
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	r.s.audit = append(r.s.audit, *entry)
	return nil
}

func (r *auditRepo) List(_ context.Context, filter repository.AuditFilter) ([]model.AuditLog, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []model.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		entry := r.s.audit[i]
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		matched = append(matched, entry)
	}
	total := int64(len(matched))
	start := (filter.Page - 1) * filter.Limit
	if start < 0 || start >= len(matched) {
		return []model.AuditLog{}, total, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

type smsLogRepo struct {
	s *Store
}

func (r *smsLogRepo) Create(_ context.Context, entry *model.SMSLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.s.smsLogs = append(r.s.smsLogs, *entry)
	return nil
}

func (r *smsLogRepo) CountSentSince(_ context.Context, phone string, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, entry := range r.s.smsLogs {
		if entry.Phone == phone && entry.Status == model.SMSLogSent && !entry.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *smsLogRepo) ListByRequest(_ context.Context, requestID uuid.UUID) ([]model.SMSLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var logs []model.SMSLog
	for i := len(r.s.smsLogs) - 1; i >= 0; i-- {
		entry := r.s.smsLogs[i]
		if entry.RequestID != nil && *entry.RequestID == requestID {
			logs = append(logs, entry)
		}
	}
	return logs, nil
}
