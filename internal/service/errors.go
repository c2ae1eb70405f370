package service

import "errors"

// Workflow errors surfaced to callers. ErrAlreadyDecided and
// ErrAlreadyTerminal are no-op signals: nothing was changed and callers may
// treat them as success.
var (
	ErrUnauthorized              = errors.New("actor lacks the role required for this action")
	ErrStaleStage                = errors.New("stage is not the current stage of the request")
	ErrAlreadyDecided            = errors.New("stage already decided")
	ErrAlreadyTerminal           = errors.New("request is already in a terminal state")
	ErrChainClosed               = errors.New("approval chain closed by rejection")
	ErrOfficerAtCapacity         = errors.New("officer is at workload capacity")
	ErrRequestNotFound           = errors.New("request not found")
	ErrAssignmentNotFound        = errors.New("task assignment not found")
	ErrCommentsRequired          = errors.New("comments are required when rejecting")
	ErrInvalidDecision           = errors.New("decision must be approve or reject")
	ErrNotAwaitingImplementation = errors.New("request is not awaiting implementation")
	ErrActiveAssignmentExists    = errors.New("request already has an active assignment")
	ErrInvalidTransition         = errors.New("invalid task status transition")
	ErrInvalidOfficer            = errors.New("user is not an ICT officer")
	ErrInvalidInput              = errors.New("invalid input")
)

// IsNoop reports whether err only signals that the call changed nothing.
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrAlreadyTerminal)
}
