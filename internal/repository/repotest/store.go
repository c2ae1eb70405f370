// Package repotest provides in-memory implementations of the repository
// interfaces for package tests. A Store behaves like a single database:
// transactions are serialized, roll back on error, and UpdateState enforces
// the same version check as the gorm implementation.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type txMarker struct{}

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	requests map[uuid.UUID]*model.AccessRequest
	tasks    map[uuid.UUID]*model.TaskAssignment
	users    map[uuid.UUID]model.User
	audit    []model.AuditLog
	smsLogs  []model.SMSLog

	// FailAudit, when set, is returned by every AuditRepository.Log call.
	FailAudit error
	// FailUpdateState, when set, is returned by RequestRepository.UpdateState.
	FailUpdateState error
}

func NewStore() *Store {
	return &Store{
		requests: make(map[uuid.UUID]*model.AccessRequest),
		tasks:    make(map[uuid.UUID]*model.TaskAssignment),
		users:    make(map[uuid.UUID]model.User),
	}
}

// AddUser stores u, assigning an id when it has none.
func (s *Store) AddUser(u model.User) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Username == "" {
		u.Username = "user-" + u.ID.String()[:8]
	}
	s.users[u.ID] = u
	return u
}

// Request returns a copy of the stored request, or nil.
func (s *Store) Request(id uuid.UUID) *model.AccessRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil
	}
	return s.cloneRequest(req)
}

// Task returns a copy of the stored assignment, or nil.
func (s *Store) Task(id uuid.UUID) *model.TaskAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *task
	return &cp
}

// AuditEntries returns the audit rows written so far.
func (s *Store) AuditEntries() []model.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

// SMSLogs returns the SMS log rows written so far.
func (s *Store) SMSLogs() []model.SMSLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SMSLog, len(s.smsLogs))
	copy(out, s.smsLogs)
	return out
}

func (s *Store) TxManager() repository.TransactionManager { return &txManager{s: s} }
func (s *Store) RequestRepo() repository.RequestRepository { return &requestRepo{s: s} }
func (s *Store) TaskRepo() repository.TaskRepository { return &taskRepo{s: s} }
func (s *Store) UserRepo() repository.UserRepository { return &userRepo{s: s} }
func (s *Store) AuditRepo() repository.AuditRepository { return &auditRepo{s: s} }
func (s *Store) SMSLogRepo() repository.SMSLogRepository { return &smsLogRepo{s: s} }

type snapshot struct {
	requests map[uuid.UUID]*model.AccessRequest
	tasks    map[uuid.UUID]*model.TaskAssignment
	audit    int
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		requests: make(map[uuid.UUID]*model.AccessRequest, len(s.requests)),
		tasks:    make(map[uuid.UUID]*model.TaskAssignment, len(s.tasks)),
		audit:    len(s.audit),
	}
	for id, req := range s.requests {
		snap.requests[id] = s.cloneRequest(req)
	}
	for id, task := range s.tasks {
		cp := *task
		snap.tasks[id] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = snap.requests
	s.tasks = snap.tasks
	s.audit = s.audit[:snap.audit]
}

func (s *Store) cloneRequest(req *model.AccessRequest) *model.AccessRequest {
	cp := *req
	cp.Stages = make([]model.ApprovalStage, len(req.Stages))
	copy(cp.Stages, req.Stages)
	cp.AdditionalNotifyUsers = append([]string(nil), req.AdditionalNotifyUsers...)
	cp.SMSStatus = datatypes.NewJSONType(req.SMSDeliveries())
	cp.Payload = append(datatypes.JSON(nil), req.Payload...)
	if u, ok := s.users[req.RequesterID]; ok {
		cp.Requester = &u
	}
	return &cp
}

type txManager struct {
	s *Store
}

func (t *txManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	t.s.txMu.Lock()
	defer t.s.txMu.Unlock()

	snap := t.s.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		t.s.restore(snap)
		return err
	}
	return nil
}

type requestRepo struct {
	s *Store
}

func (r *requestRepo) Create(_ context.Context, req *model.AccessRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	for _, existing := range r.s.requests {
		if existing.Reference == req.Reference {
			return fmt.Errorf("duplicate reference %q", req.Reference)
		}
	}
	now := time.Now()
	req.CreatedAt, req.UpdatedAt = now, now
	if req.Version == 0 {
		req.Version = 1
	}
	for i := range req.Stages {
		if req.Stages[i].ID == uuid.Nil {
			req.Stages[i].ID = uuid.New()
		}
		req.Stages[i].RequestID = req.ID
	}
	r.s.requests[req.ID] = r.s.cloneRequest(req)
	return nil
}

func (r *requestRepo) FindByID(_ context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok || req.DeletedAt.Valid {
		return nil, gorm.ErrRecordNotFound
	}
	return r.s.cloneRequest(req), nil
}

func (r *requestRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	return r.FindByID(ctx, id)
}

func (r *requestRepo) UpdateState(_ context.Context, req *model.AccessRequest, expectedVersion int, slots ...*model.ApprovalStage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailUpdateState != nil {
		return r.s.FailUpdateState
	}
	stored, ok := r.s.requests[req.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	for _, slot := range slots {
		found := false
		for i := range stored.Stages {
			if stored.Stages[i].ID != slot.ID {
				continue
			}
			if !stored.Stages[i].Pending() {
				return repository.ErrVersionConflict
			}
			found = true
		}
		if !found {
			return repository.ErrVersionConflict
		}
	}

	stored.OverallStatus = req.OverallStatus
	stored.CurrentStage = req.CurrentStage
	stored.CancelReason = req.CancelReason
	stored.CancelledBy = req.CancelledBy
	stored.CancelledAt = req.CancelledAt
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now()
	for _, slot := range slots {
		for i := range stored.Stages {
			if stored.Stages[i].ID == slot.ID {
				stored.Stages[i] = *slot
			}
		}
	}
	req.Version = stored.Version
	return nil
}

func (r *requestRepo) UpdateSMSStatus(_ context.Context, id uuid.UUID, recipientKey string, delivery model.SMSDelivery) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.requests[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	statuses := stored.SMSDeliveries()
	if current, ok := statuses[recipientKey]; ok && !delivery.Supersedes(current) {
		return nil
	}
	statuses[recipientKey] = delivery
	stored.SMSStatus = datatypes.NewJSONType(statuses)
	return nil
}

func (r *requestRepo) List(_ context.Context, filter repository.RequestFilter) ([]model.AccessRequest, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []model.AccessRequest
	for _, req := range r.s.requests {
		if req.DeletedAt.Valid {
			continue
		}
		if filter.Status != "" && req.OverallStatus != filter.Status {
			continue
		}
		if filter.Type != "" && req.Type != filter.Type {
			continue
		}
		if filter.RequesterID != nil && req.RequesterID != *filter.RequesterID {
			continue
		}
		if filter.Stage != "" && req.CurrentStage != filter.Stage {
			continue
		}
		matched = append(matched, *r.s.cloneRequest(req))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := (filter.Page - 1) * filter.Limit
	if start < 0 || start >= len(matched) {
		return []model.AccessRequest{}, total, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *requestRepo) NextReference(_ context.Context, prefix string, day time.Time) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stem := fmt.Sprintf("%s-%s-", prefix, day.Format("20060102"))
	count := 0
	for _, req := range r.s.requests {
		if strings.HasPrefix(req.Reference, stem) {
			count++
		}
	}
	return fmt.Sprintf("%s%05d", stem, count+1), nil
}

func (r *requestRepo) SoftDeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, req := range r.s.requests {
		closed := req.OverallStatus == model.RequestStatusCancelled || req.OverallStatus == model.RequestStatusRejected
		if closed && !req.DeletedAt.Valid && req.UpdatedAt.Before(cutoff) {
			req.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
			n++
		}
	}
	return n, nil
}

// Age moves a request's UpdatedAt back by d.
func (s *Store) Age(id uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[id]; ok {
		req.UpdatedAt = req.UpdatedAt.Add(-d)
	}
}
