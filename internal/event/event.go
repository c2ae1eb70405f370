// Package event carries workflow events from the engine to its asynchronous
// consumers (notification dispatch, the websocket feed).
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSubmitted               Kind = "submitted"
	KindDecided                 Kind = "decided"
	KindCancelled               Kind = "cancelled"
	KindTaskAssigned            Kind = "task_assigned"
	KindTaskCancelled           Kind = "task_cancelled"
	KindImplementationCompleted Kind = "implementation_completed"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// WorkflowEvent is an immutable fact emitted after a successful state mutation.
type WorkflowEvent struct {
	ID           uuid.UUID  `json:"id"`
	Kind         Kind       `json:"kind"`
	RequestID    uuid.UUID  `json:"request_id"`
	RequestType  string     `json:"request_type"`
	Reference    string     `json:"reference"`
	Stage        string     `json:"stage,omitempty"`
	Decision     string     `json:"decision,omitempty"`
	Final        bool       `json:"final"` // the approval chain closed with this event
	Comments     string     `json:"comments,omitempty"`
	ActorID      uuid.UUID  `json:"actor_id"`
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
	OfficerID    *uuid.UUID `json:"officer_id,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// New stamps an event with an id and the current time.
func New(kind Kind, requestID uuid.UUID, requestType, reference string, actorID uuid.UUID) WorkflowEvent {
	return WorkflowEvent{
		ID:          uuid.New(),
		Kind:        kind,
		RequestID:   requestID,
		RequestType: requestType,
		Reference:   reference,
		ActorID:     actorID,
		OccurredAt:  time.Now().UTC(),
	}
}

// Publisher hands events off for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, ev WorkflowEvent) error
}

// Handler consumes one event. Handlers own their failures.
type Handler func(ctx context.Context, ev WorkflowEvent)
