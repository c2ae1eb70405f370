package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ictaccess/internal/event"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// --- DTOs ---

type SubmitRequest struct {
	Type                  string          `json:"type" binding:"required,oneof=module_access combined_access device_booking"`
	Payload               json.RawMessage `json:"payload" swaggertype:"object"`
	AdditionalNotifyUsers []string        `json:"additional_notify_users"`
}

// DecideInput is one approve or reject decision on a stage.
type DecideInput struct {
	RequestID    uuid.UUID
	Actor        model.ActorContext
	Stage        string
	Decision     string
	Comments     string
	SignatureRef string
}

type RequestListFilter struct {
	Status      string
	Type        string
	Stage       string
	RequesterID *uuid.UUID
	Page        int
	Limit       int
}

type StageSlotResponse struct {
	Stage        string  `json:"stage"`
	Position     int     `json:"position"`
	Status       string  `json:"status"`
	ActorID      *string `json:"actor_id"`
	Comments     *string `json:"comments"`
	DecidedAt    *string `json:"decided_at"`
	SignatureRef *string `json:"signature_ref"`
}

// RequestSnapshot is the read model of a request: every stage slot, the
// derived state, the active task assignment if any and SMS delivery status.
type RequestSnapshot struct {
	ID                    string                       `json:"id"`
	Type                  string                       `json:"type"`
	Reference             string                       `json:"reference"`
	RequesterID           string                       `json:"requester_id"`
	RequesterName         string                       `json:"requester_name"`
	Department            string                       `json:"department"`
	Payload               json.RawMessage              `json:"payload" swaggertype:"object"`
	OverallStatus         string                       `json:"overall_status"`
	CurrentStage          string                       `json:"current_stage"`
	Stages                []StageSlotResponse          `json:"stages"`
	AdditionalNotifyUsers []string                     `json:"additional_notify_users"`
	SMSStatus             map[string]model.SMSDelivery `json:"sms_status"`
	Assignment            *AssignmentResponse          `json:"assignment,omitempty"`
	CancelReason          string                       `json:"cancel_reason,omitempty"`
	Version               int                          `json:"version"`
	CreatedAt             string                       `json:"created_at"`
	UpdatedAt             string                       `json:"updated_at"`
}

type SMSLogResponse struct {
	ID           string `json:"id"`
	Phone        string `json:"phone"`
	RecipientKey string `json:"recipient_key"`
	Template     string `json:"template"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// --- Interface ---

type WorkflowService interface {
	Submit(ctx context.Context, actor model.ActorContext, req SubmitRequest) (RequestSnapshot, error)
	// Decide returns the current snapshot alongside ErrAlreadyDecided and
	// ErrAlreadyTerminal so callers can answer no-ops with the stored state.
	Decide(ctx context.Context, in DecideInput) (RequestSnapshot, error)
	Cancel(ctx context.Context, requestID uuid.UUID, actor model.ActorContext, reason string) (RequestSnapshot, error)
	GetSnapshot(ctx context.Context, requestID uuid.UUID) (RequestSnapshot, error)
	List(ctx context.Context, filter RequestListFilter) ([]RequestSnapshot, int64, error)
	ListNotifications(ctx context.Context, requestID uuid.UUID) ([]SMSLogResponse, error)
}

// WorkflowDeps groups the collaborators of the workflow engine.
type WorkflowDeps struct {
	Tx              repository.TransactionManager
	Requests        repository.RequestRepository
	Tasks           repository.TaskRepository
	Audit           repository.AuditRepository
	SMSLogs         repository.SMSLogRepository
	Policy          *policy.Policy
	Events          event.Publisher
	Logger          *logrus.Logger
	ReferencePrefix string
}

type workflowService struct {
	WorkflowDeps
}

func NewWorkflowService(deps WorkflowDeps) WorkflowService {
	if deps.ReferencePrefix == "" {
		deps.ReferencePrefix = "ICT"
	}
	return &workflowService{WorkflowDeps: deps}
}

// --- Implementation ---

func (s *workflowService) Submit(ctx context.Context, actor model.ActorContext, in SubmitRequest) (RequestSnapshot, error) {
	slots, err := s.Policy.NewSlots(in.Type)
	if err != nil {
		return RequestSnapshot{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	notify := make([]string, 0, len(in.AdditionalNotifyUsers))
	for _, raw := range in.AdditionalNotifyUsers {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return RequestSnapshot{}, fmt.Errorf("%w: additional notify user %q", ErrInvalidInput, raw)
		}
		notify = append(notify, id.String())
	}

	payload := datatypes.JSON(in.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON("{}")
	} else if !json.Valid(payload) {
		return RequestSnapshot{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}

	// Department comes from the identity claims. It scopes the hod stage.
	department := strings.TrimSpace(actor.Department)
	if department == "" {
		for _, slot := range slots {
			if s.Policy.DepartmentScoped(slot.Stage) {
				return RequestSnapshot{}, fmt.Errorf("%w: requester has no department", ErrInvalidInput)
			}
		}
	}

	req := model.AccessRequest{
		Type:                  in.Type,
		RequesterID:           actor.ID,
		Department:            department,
		Payload:               payload,
		AdditionalNotifyUsers: notify,
		SMSStatus:             datatypes.NewJSONType(map[string]model.SMSDelivery{}),
		Version:               1,
		Stages:                slots,
	}
	state, err := s.Policy.Evaluate(&req)
	if err != nil {
		return RequestSnapshot{}, err
	}
	req.OverallStatus, req.CurrentStage = state.Overall, state.Current

	err = s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		ref, refErr := s.Requests.NextReference(txCtx, s.ReferencePrefix, time.Now())
		if refErr != nil {
			return fmt.Errorf("failed to generate reference: %w", refErr)
		}
		req.Reference = ref

		if createErr := s.Requests.Create(txCtx, &req); createErr != nil {
			return fmt.Errorf("failed to create request: %w", createErr)
		}

		return writeAudit(txCtx, s.Audit, &actor.ID, model.ActionSubmitRequest, req.ID.String(), req.Reference, map[string]interface{}{
			"type":       req.Type,
			"department": req.Department,
		})
	})
	if err != nil {
		return RequestSnapshot{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"reference":  req.Reference,
		"type":       req.Type,
		"operation":  "Submit",
	}).Info("Request submitted")

	s.publish(ctx, event.New(event.KindSubmitted, req.ID, req.Type, req.Reference, actor.ID))

	return s.GetSnapshot(ctx, req.ID)
}

func (s *workflowService) Decide(ctx context.Context, in DecideInput) (RequestSnapshot, error) {
	if in.Decision != event.DecisionApprove && in.Decision != event.DecisionReject {
		return RequestSnapshot{}, ErrInvalidDecision
	}

	var decided model.AccessRequest
	err := s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		req, findErr := s.Requests.FindByIDForUpdate(txCtx, in.RequestID)
		if findErr != nil {
			return notFound(findErr, ErrRequestNotFound)
		}
		// Checked under the row lock: a writer that lost the race sees the
		// winner's decision here.
		if checkErr := s.checkDecision(req, in); checkErr != nil {
			return checkErr
		}

		expected := req.Version
		slot := req.Stage(in.Stage)
		now := time.Now()
		slot.ActorID = &in.Actor.ID
		slot.DecidedAt = &now
		slot.Comments = optionalString(in.Comments)
		slot.SignatureRef = optionalString(in.SignatureRef)
		if in.Decision == event.DecisionApprove {
			slot.Status = model.StageStatusApproved
		} else {
			slot.Status = model.StageStatusRejected
		}

		state, evalErr := s.Policy.Evaluate(req)
		if evalErr != nil {
			return s.misconfigured(req, evalErr)
		}
		req.OverallStatus, req.CurrentStage = state.Overall, state.Current

		if updErr := s.Requests.UpdateState(txCtx, req, expected, slot); updErr != nil {
			if errors.Is(updErr, repository.ErrVersionConflict) {
				return ErrStaleStage
			}
			return fmt.Errorf("failed to persist decision: %w", updErr)
		}

		action := model.ActionApproveStage
		if in.Decision == event.DecisionReject {
			action = model.ActionRejectStage
		}
		if auditErr := writeAudit(txCtx, s.Audit, &in.Actor.ID, action, req.ID.String(), req.Reference, map[string]interface{}{
			"stage":          in.Stage,
			"comments":       in.Comments,
			"overall_status": req.OverallStatus,
		}); auditErr != nil {
			return auditErr
		}

		decided = *req
		return nil
	})
	if err != nil {
		if IsNoop(err) {
			snap, snapErr := s.GetSnapshot(ctx, in.RequestID)
			if snapErr != nil {
				return RequestSnapshot{}, snapErr
			}
			return snap, err
		}
		return RequestSnapshot{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"request_id":     decided.ID,
		"stage":          in.Stage,
		"decision":       in.Decision,
		"overall_status": decided.OverallStatus,
		"operation":      "Decide",
	}).Info("Stage decided")

	ev := event.New(event.KindDecided, decided.ID, decided.Type, decided.Reference, in.Actor.ID)
	ev.Stage = in.Stage
	ev.Decision = in.Decision
	ev.Comments = in.Comments
	ev.Final = decided.OverallStatus != model.RequestStatusPending && decided.OverallStatus != model.RequestStatusInReview
	s.publish(ctx, ev)

	return s.GetSnapshot(ctx, decided.ID)
}

// checkDecision applies the decide preconditions in order. Nothing is mutated.
func (s *workflowService) checkDecision(req *model.AccessRequest, in DecideInput) error {
	chain, err := s.Policy.RequiredStages(req.Type)
	if err != nil {
		return s.misconfigured(req, err)
	}
	if !contains(chain, in.Stage) {
		return fmt.Errorf("%w: %q is not part of the %s chain", ErrStaleStage, in.Stage, req.Type)
	}
	if req.OverallStatus == model.RequestStatusCancelled {
		return ErrAlreadyTerminal
	}

	slot := req.Stage(in.Stage)
	if slot == nil {
		return s.misconfigured(req, fmt.Errorf("%w: missing %q slot", policy.ErrPolicyMisconfiguration, in.Stage))
	}
	if !slot.Pending() {
		if decisionStatus(in.Decision) == slot.Status {
			return ErrAlreadyDecided
		}
		return fmt.Errorf("%w: %q was already %s", ErrStaleStage, in.Stage, slot.Status)
	}

	switch {
	case req.OverallStatus == model.RequestStatusRejected:
		return ErrChainClosed
	case s.Policy.Terminal(req.OverallStatus):
		return ErrAlreadyTerminal
	}

	current, err := s.Policy.CurrentStage(req)
	if err != nil {
		return s.misconfigured(req, err)
	}
	if current != in.Stage {
		return fmt.Errorf("%w: current stage is %q", ErrStaleStage, current)
	}

	role, err := s.Policy.AuthorizedRole(in.Stage)
	if err != nil {
		return s.misconfigured(req, err)
	}
	if !in.Actor.HasRole(role) {
		return fmt.Errorf("%w: stage %q requires role %q", ErrUnauthorized, in.Stage, role)
	}
	if s.Policy.DepartmentScoped(in.Stage) && in.Actor.Department != req.Department {
		return fmt.Errorf("%w: stage %q is limited to department %q", ErrUnauthorized, in.Stage, req.Department)
	}

	if in.Decision == event.DecisionReject && s.Policy.RejectRequiresComments() && strings.TrimSpace(in.Comments) == "" {
		return ErrCommentsRequired
	}
	return nil
}

func (s *workflowService) Cancel(ctx context.Context, requestID uuid.UUID, actor model.ActorContext, reason string) (RequestSnapshot, error) {
	var cancelled model.AccessRequest
	err := s.Tx.RunInTx(ctx, func(txCtx context.Context) error {
		req, findErr := s.Requests.FindByIDForUpdate(txCtx, requestID)
		if findErr != nil {
			return notFound(findErr, ErrRequestNotFound)
		}
		if req.RequesterID != actor.ID && !actor.HasRole(model.RoleAdmin) {
			return fmt.Errorf("%w: only the requester may cancel", ErrUnauthorized)
		}
		if !s.Policy.Cancellable(req.OverallStatus) {
			return ErrAlreadyTerminal
		}

		expected := req.Version
		now := time.Now()
		req.CancelReason = strings.TrimSpace(reason)
		req.CancelledBy = &actor.ID
		req.CancelledAt = &now

		state, evalErr := s.Policy.Evaluate(req)
		if evalErr != nil {
			return s.misconfigured(req, evalErr)
		}
		req.OverallStatus, req.CurrentStage = state.Overall, state.Current

		if updErr := s.Requests.UpdateState(txCtx, req, expected); updErr != nil {
			if errors.Is(updErr, repository.ErrVersionConflict) {
				return ErrStaleStage
			}
			return fmt.Errorf("failed to persist cancellation: %w", updErr)
		}

		if auditErr := writeAudit(txCtx, s.Audit, &actor.ID, model.ActionCancelRequest, req.ID.String(), req.Reference, map[string]interface{}{
			"reason": req.CancelReason,
		}); auditErr != nil {
			return auditErr
		}
		cancelled = *req
		return nil
	})
	if err != nil {
		if IsNoop(err) {
			snap, snapErr := s.GetSnapshot(ctx, requestID)
			if snapErr != nil {
				return RequestSnapshot{}, snapErr
			}
			return snap, err
		}
		return RequestSnapshot{}, err
	}

	ev := event.New(event.KindCancelled, cancelled.ID, cancelled.Type, cancelled.Reference, actor.ID)
	ev.Comments = cancelled.CancelReason
	ev.Final = true
	s.publish(ctx, ev)

	return s.GetSnapshot(ctx, cancelled.ID)
}

func (s *workflowService) GetSnapshot(ctx context.Context, requestID uuid.UUID) (RequestSnapshot, error) {
	req, err := s.Requests.FindByID(ctx, requestID)
	if err != nil {
		return RequestSnapshot{}, notFound(err, ErrRequestNotFound)
	}
	snap := toSnapshot(*req)

	task, err := s.Tasks.FindActiveByRequest(ctx, requestID)
	switch {
	case err == nil:
		resp := toAssignmentResponse(*task)
		snap.Assignment = &resp
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return RequestSnapshot{}, fmt.Errorf("failed to load assignment: %w", err)
	}
	return snap, nil
}

func (s *workflowService) List(ctx context.Context, filter RequestListFilter) ([]RequestSnapshot, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	reqs, total, err := s.Requests.List(ctx, repository.RequestFilter{
		Status:      filter.Status,
		Type:        filter.Type,
		Stage:       filter.Stage,
		RequesterID: filter.RequesterID,
		Page:        filter.Page,
		Limit:       filter.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch requests: %w", err)
	}

	res := make([]RequestSnapshot, 0, len(reqs))
	for _, r := range reqs {
		res = append(res, toSnapshot(r))
	}
	return res, total, nil
}

func (s *workflowService) ListNotifications(ctx context.Context, requestID uuid.UUID) ([]SMSLogResponse, error) {
	if _, err := s.Requests.FindByID(ctx, requestID); err != nil {
		return nil, notFound(err, ErrRequestNotFound)
	}
	logs, err := s.SMSLogs.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sms logs: %w", err)
	}

	res := make([]SMSLogResponse, 0, len(logs))
	for _, l := range logs {
		res = append(res, SMSLogResponse{
			ID:           l.ID.String(),
			Phone:        l.Phone,
			RecipientKey: l.RecipientKey,
			Template:     l.Template,
			Status:       l.Status,
			Error:        l.Error,
			CreatedAt:    l.CreatedAt.Format(timeLayout),
		})
	}
	return res, nil
}

// publish hands the event to the queue. The mutation is already committed, so
// a failure is logged and otherwise ignored.
func (s *workflowService) publish(ctx context.Context, ev event.WorkflowEvent) {
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

func (s *workflowService) misconfigured(req *model.AccessRequest, err error) error {
	s.Logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"type":       req.Type,
		"error":      err.Error(),
	}).Error("Stage policy misconfiguration")
	return err
}

// --- Helpers ---

const timeLayout = "2006-01-02 15:04:05"

func toSnapshot(r model.AccessRequest) RequestSnapshot {
	stages := make([]StageSlotResponse, 0, len(r.Stages))
	for _, st := range r.Stages {
		slot := StageSlotResponse{
			Stage:        st.Stage,
			Position:     st.Position,
			Status:       st.Status,
			Comments:     st.Comments,
			SignatureRef: st.SignatureRef,
		}
		if st.ActorID != nil {
			id := st.ActorID.String()
			slot.ActorID = &id
		}
		if st.DecidedAt != nil {
			at := st.DecidedAt.Format(timeLayout)
			slot.DecidedAt = &at
		}
		stages = append(stages, slot)
	}

	requesterName := ""
	if r.Requester != nil {
		requesterName = r.Requester.DisplayName()
	}
	notify := []string(r.AdditionalNotifyUsers)
	if notify == nil {
		notify = []string{}
	}

	return RequestSnapshot{
		ID:                    r.ID.String(),
		Type:                  r.Type,
		Reference:             r.Reference,
		RequesterID:           r.RequesterID.String(),
		RequesterName:         requesterName,
		Department:            r.Department,
		Payload:               json.RawMessage(r.Payload),
		OverallStatus:         r.OverallStatus,
		CurrentStage:          r.CurrentStage,
		Stages:                stages,
		AdditionalNotifyUsers: notify,
		SMSStatus:             r.SMSDeliveries(),
		CancelReason:          r.CancelReason,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt.Format(timeLayout),
		UpdatedAt:             r.UpdatedAt.Format(timeLayout),
	}
}

func writeAudit(ctx context.Context, repo repository.AuditRepository, userID *uuid.UUID, action, entityID, entityName string, details map[string]interface{}) error {
	payload, _ := json.Marshal(details)
	entry := model.AuditLog{
		UserID:     userID,
		Action:     action,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    string(payload),
	}
	if err := repo.Log(ctx, &entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func decisionStatus(decision string) string {
	if decision == event.DecisionApprove {
		return model.StageStatusApproved
	}
	return model.StageStatusRejected
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
