package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ictaccess/internal/event"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// --- DTOs ---

// AssignInput hands an approved request to an officer. A nil OfficerID picks
// the least loaded officer with spare capacity.
type AssignInput struct {
	RequestID uuid.UUID
	OfficerID *uuid.UUID
	Assigner  model.ActorContext
	Priority  string
	Kind      string
	Notes     string
}

type AssignmentResponse struct {
	ID           string  `json:"id"`
	RequestID    string  `json:"request_id"`
	AssignedTo   string  `json:"assigned_to"`
	OfficerName  string  `json:"officer_name"`
	AssignedBy   string  `json:"assigned_by"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	Kind         string  `json:"kind"`
	Notes        string  `json:"notes"`
	CancelReason string  `json:"cancel_reason,omitempty"`
	AssignedAt   *string `json:"assigned_at"`
	StartedAt    *string `json:"started_at"`
	CompletedAt  *string `json:"completed_at"`
	CancelledAt  *string `json:"cancelled_at"`
}

type OfficerWorkload struct {
	OfficerID    string `json:"officer_id"`
	Name         string `json:"name"`
	Active       int    `json:"active"`
	GenericCap   int    `json:"generic_cap"`
	ICTCap       int    `json:"ict_cap"`
	Availability string `json:"availability"`
}

// --- Interface ---

type TaskService interface {
	Assign(ctx context.Context, in AssignInput) (AssignmentResponse, error)
	UpdateProgress(ctx context.Context, assignmentID uuid.UUID, actor model.ActorContext, status string) (AssignmentResponse, error)
	Cancel(ctx context.Context, assignmentID uuid.UUID, actor model.ActorContext, reason string) (AssignmentResponse, error)
	OfficerWorkloads(ctx context.Context) ([]OfficerWorkload, error)
}

type TaskDeps struct {
	Tx       repository.TransactionManager
	Requests repository.RequestRepository
	Tasks    repository.TaskRepository
	Users    repository.UserRepository
	Audit    repository.AuditRepository
	Policy   *policy.Policy
	Events   event.Publisher
	Logger   *logrus.Logger
}

type taskService struct {
	TaskDeps
}

func NewTaskService(deps TaskDeps) TaskService {
	return &taskService{TaskDeps: deps}
}

var priorities = map[string]bool{
	model.PriorityLow:    true,
	model.PriorityNormal: true,
	model.PriorityHigh:   true,
	model.PriorityUrgent: true,
}

// nextTaskStatus lists the one forward step allowed from each status.
var nextTaskStatus = map[string]string{
	model.TaskStatusAssigned:   model.TaskStatusInProgress,
	model.TaskStatusInProgress: model.TaskStatusCompleted,
}

// --- Implementation ---

func (s *taskService) Assign(ctx context.Context, in AssignInput) (AssignmentResponse, error) {
	if !in.Assigner.HasRole(s.Policy.AssignerRole()) {
		return AssignmentResponse{}, fmt.Errorf("%w: assigning tasks requires role %q", ErrUnauthorized, s.Policy.AssignerRole())
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}
	if !priorities[in.Priority] {
		return AssignmentResponse{}, fmt.Errorf("%w: priority %q", ErrInvalidInput, in.Priority)
	}
	if in.Kind == "" {
		in.Kind = model.TaskKindICT
	}
	limit, err := s.Policy.WorkloadCap(in.Kind)
	if err != nil {
		return AssignmentResponse{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var task model.TaskAssignment
	var req *model.AccessRequest
	err = s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		var findErr error
		req, findErr = s.Requests.FindByIDForUpdate(txCtx, in.RequestID)
		if findErr != nil {
			return notFound(findErr, ErrRequestNotFound)
		}
		if !s.awaitingImplementation(req) {
			return fmt.Errorf("%w: status %s, stage %q", ErrNotAwaitingImplementation, req.OverallStatus, req.CurrentStage)
		}

		active, activeErr := s.Tasks.FindActiveByRequest(txCtx, req.ID)
		switch {
		case activeErr == nil:
			return fmt.Errorf("%w: %s", ErrActiveAssignmentExists, active.ID)
		case !errors.Is(activeErr, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to check active assignment: %w", activeErr)
		}

		officerID, pickErr := s.pickOfficer(txCtx, in.OfficerID, limit)
		if pickErr != nil {
			return pickErr
		}

		// Count-then-insert under the officer lock so concurrent assignments
		// to the same officer cannot both pass the cap.
		if lockErr := s.Tasks.LockOfficer(txCtx, officerID); lockErr != nil {
			return fmt.Errorf("failed to lock officer workload: %w", lockErr)
		}
		count, countErr := s.Tasks.CountActiveByOfficer(txCtx, officerID)
		if countErr != nil {
			return fmt.Errorf("failed to count officer workload: %w", countErr)
		}
		if count >= int64(limit) {
			return fmt.Errorf("%w: %d of %d active %s tasks", ErrOfficerAtCapacity, count, limit, in.Kind)
		}

		now := time.Now()
		task = model.TaskAssignment{
			RequestID:  req.ID,
			AssignedTo: officerID,
			AssignedBy: in.Assigner.ID,
			Status:     model.TaskStatusAssigned,
			Priority:   in.Priority,
			Kind:       in.Kind,
			Notes:      in.Notes,
			AssignedAt: &now,
		}
		if createErr := s.Tasks.Create(txCtx, &task); createErr != nil {
			return fmt.Errorf("failed to create assignment: %w", createErr)
		}

		return writeAudit(txCtx, s.Audit, &in.Assigner.ID, model.ActionAssignTask, task.ID.String(), req.Reference, map[string]interface{}{
			"request_id": req.ID,
			"officer_id": officerID,
			"priority":   in.Priority,
			"kind":       in.Kind,
			"workload":   count + 1,
		})
	})
	if err != nil {
		return AssignmentResponse{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"request_id":    task.RequestID,
		"assignment_id": task.ID,
		"officer_id":    task.AssignedTo,
		"operation":     "Assign",
	}).Info("Task assigned")

	ev := event.New(event.KindTaskAssigned, req.ID, req.Type, req.Reference, in.Assigner.ID)
	ev.AssignmentID = &task.ID
	ev.OfficerID = &task.AssignedTo
	s.publish(ctx, ev)

	return s.load(ctx, task.ID)
}

// pickOfficer validates a requested officer, or chooses the officer with the
// fewest active tasks still below limit.
func (s *taskService) pickOfficer(ctx context.Context, requested *uuid.UUID, limit int) (uuid.UUID, error) {
	if requested != nil {
		officer, err := s.Users.FindByID(ctx, *requested)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidOfficer, *requested)
			}
			return uuid.Nil, err
		}
		if officer.Role != s.Policy.OfficerRole() {
			return uuid.Nil, fmt.Errorf("%w: %s has role %q", ErrInvalidOfficer, officer.ID, officer.Role)
		}
		return officer.ID, nil
	}

	officers, err := s.Users.ListByRole(ctx, s.Policy.OfficerRole(), "")
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to list officers: %w", err)
	}
	counts, err := s.Tasks.ActiveCounts(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to count workloads: %w", err)
	}

	best := uuid.Nil
	bestCount := int64(limit)
	for _, o := range officers {
		if c := counts[o.ID]; c < bestCount {
			best, bestCount = o.ID, c
		}
	}
	if best == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: no officer below %d active tasks", ErrOfficerAtCapacity, limit)
	}
	return best, nil
}

func (s *taskService) UpdateProgress(ctx context.Context, assignmentID uuid.UUID, actor model.ActorContext, status string) (AssignmentResponse, error) {
	current, err := s.Tasks.FindByID(ctx, assignmentID)
	if err != nil {
		return AssignmentResponse{}, notFound(err, ErrAssignmentNotFound)
	}

	var req *model.AccessRequest
	var task *model.TaskAssignment
	err = s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		// Request row first, then the task: the same order Assign uses.
		var findErr error
		req, findErr = s.Requests.FindByIDForUpdate(txCtx, current.RequestID)
		if findErr != nil {
			return notFound(findErr, ErrRequestNotFound)
		}
		task, findErr = s.Tasks.FindByIDForUpdate(txCtx, assignmentID)
		if findErr != nil {
			return notFound(findErr, ErrAssignmentNotFound)
		}

		if task.AssignedTo != actor.ID && !actor.HasRole(s.Policy.AssignerRole()) {
			return fmt.Errorf("%w: only the assigned officer may update progress", ErrUnauthorized)
		}
		if next, ok := nextTaskStatus[task.Status]; !ok || next != status {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
		}

		now := time.Now()
		task.Status = status
		switch status {
		case model.TaskStatusInProgress:
			task.StartedAt = &now
		case model.TaskStatusCompleted:
			task.CompletedAt = &now
			if completeErr := s.completeRequest(txCtx, req, task, now); completeErr != nil {
				return completeErr
			}
		}

		if updErr := s.Tasks.Update(txCtx, task); updErr != nil {
			return fmt.Errorf("failed to update assignment: %w", updErr)
		}
		return writeAudit(txCtx, s.Audit, &actor.ID, model.ActionUpdateTask, task.ID.String(), req.Reference, map[string]interface{}{
			"status": status,
		})
	})
	if err != nil {
		return AssignmentResponse{}, err
	}

	if status == model.TaskStatusCompleted {
		ev := event.New(event.KindImplementationCompleted, req.ID, req.Type, req.Reference, actor.ID)
		ev.AssignmentID = &task.ID
		ev.OfficerID = &task.AssignedTo
		ev.Final = true
		s.publish(ctx, ev)
	}
	return s.load(ctx, assignmentID)
}

// completeRequest approves the implementation slot on behalf of the officer
// and moves the request to completed.
func (s *taskService) completeRequest(ctx context.Context, req *model.AccessRequest, task *model.TaskAssignment, now time.Time) error {
	if !s.awaitingImplementation(req) {
		return fmt.Errorf("%w: status %s", ErrNotAwaitingImplementation, req.OverallStatus)
	}
	stage, _ := s.Policy.ImplementationStage(req.Type)
	slot := req.Stage(stage)
	if slot == nil || !slot.Pending() {
		return fmt.Errorf("%w: implementation slot already decided", ErrStaleStage)
	}

	expected := req.Version
	officerID := task.AssignedTo
	slot.Status = model.StageStatusApproved
	slot.ActorID = &officerID
	slot.DecidedAt = &now
	if task.Notes != "" {
		notes := task.Notes
		slot.Comments = &notes
	}

	state, err := s.Policy.Evaluate(req)
	if err != nil {
		return err
	}
	req.OverallStatus, req.CurrentStage = state.Overall, state.Current

	if err := s.Requests.UpdateState(ctx, req, expected, slot); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return ErrStaleStage
		}
		return fmt.Errorf("failed to complete request: %w", err)
	}
	return writeAudit(ctx, s.Audit, &officerID, model.ActionCompleteRequest, req.ID.String(), req.Reference, map[string]interface{}{
		"assignment_id": task.ID,
	})
}

func (s *taskService) Cancel(ctx context.Context, assignmentID uuid.UUID, actor model.ActorContext, reason string) (AssignmentResponse, error) {
	if !actor.HasRole(s.Policy.AssignerRole()) && !actor.HasRole(model.RoleAdmin) {
		return AssignmentResponse{}, fmt.Errorf("%w: cancelling tasks requires role %q", ErrUnauthorized, s.Policy.AssignerRole())
	}

	var task *model.TaskAssignment
	var req *model.AccessRequest
	err := s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		var findErr error
		task, findErr = s.Tasks.FindByIDForUpdate(txCtx, assignmentID)
		if findErr != nil {
			return notFound(findErr, ErrAssignmentNotFound)
		}
		if !task.Active() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, model.TaskStatusCancelled)
		}
		req, findErr = s.Requests.FindByID(txCtx, task.RequestID)
		if findErr != nil {
			return notFound(findErr, ErrRequestNotFound)
		}

		// The request keeps its approved state with the implementation stage
		// open, ready for a new assignment.
		now := time.Now()
		task.Status = model.TaskStatusCancelled
		task.CancelledAt = &now
		task.CancelReason = reason
		if updErr := s.Tasks.Update(txCtx, task); updErr != nil {
			return fmt.Errorf("failed to cancel assignment: %w", updErr)
		}
		return writeAudit(txCtx, s.Audit, &actor.ID, model.ActionCancelTask, task.ID.String(), req.Reference, map[string]interface{}{
			"reason":     reason,
			"officer_id": task.AssignedTo,
		})
	})
	if err != nil {
		return AssignmentResponse{}, err
	}

	ev := event.New(event.KindTaskCancelled, req.ID, req.Type, req.Reference, actor.ID)
	ev.AssignmentID = &task.ID
	ev.OfficerID = &task.AssignedTo
	ev.Comments = reason
	s.publish(ctx, ev)

	return s.load(ctx, assignmentID)
}

func (s *taskService) OfficerWorkloads(ctx context.Context) ([]OfficerWorkload, error) {
	officers, err := s.Users.ListByRole(ctx, s.Policy.OfficerRole(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to list officers: %w", err)
	}
	counts, err := s.Tasks.ActiveCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count workloads: %w", err)
	}
	genericCap, _ := s.Policy.WorkloadCap(model.TaskKindGeneric)
	ictCap, _ := s.Policy.WorkloadCap(model.TaskKindICT)

	res := make([]OfficerWorkload, 0, len(officers))
	for _, o := range officers {
		active := int(counts[o.ID])
		res = append(res, OfficerWorkload{
			OfficerID:    o.ID.String(),
			Name:         o.DisplayName(),
			Active:       active,
			GenericCap:   genericCap,
			ICTCap:       ictCap,
			Availability: s.Policy.Availability(active, model.TaskKindICT),
		})
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Active < res[j].Active })
	return res, nil
}

func (s *taskService) awaitingImplementation(req *model.AccessRequest) bool {
	stage, ok := s.Policy.ImplementationStage(req.Type)
	return ok && req.OverallStatus == model.RequestStatusApproved && req.CurrentStage == stage
}

func (s *taskService) load(ctx context.Context, id uuid.UUID) (AssignmentResponse, error) {
	task, err := s.Tasks.FindByID(ctx, id)
	if err != nil {
		return AssignmentResponse{}, notFound(err, ErrAssignmentNotFound)
	}
	return toAssignmentResponse(*task), nil
}

func (s *taskService) publish(ctx context.Context, ev event.WorkflowEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"event":      ev.Kind,
			"request_id": ev.RequestID,
			"error":      err.Error(),
			"operation":  "publish",
		}).Warn("Failed to enqueue workflow event")
	}
}

// --- Helpers ---

func toAssignmentResponse(t model.TaskAssignment) AssignmentResponse {
	name := ""
	if t.Officer != nil {
		name = t.Officer.DisplayName()
	}
	return AssignmentResponse{
		ID:           t.ID.String(),
		RequestID:    t.RequestID.String(),
		AssignedTo:   t.AssignedTo.String(),
		OfficerName:  name,
		AssignedBy:   t.AssignedBy.String(),
		Status:       t.Status,
		Priority:     t.Priority,
		Kind:         t.Kind,
		Notes:        t.Notes,
		CancelReason: t.CancelReason,
		AssignedAt:   formatTime(t.AssignedAt),
		StartedAt:    formatTime(t.StartedAt),
		CompletedAt:  formatTime(t.CompletedAt),
		CancelledAt:  formatTime(t.CancelledAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(timeLayout)
	return &s
}
