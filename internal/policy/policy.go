// Package policy maps request types to their approval chains and derives a
// request's overall status and current stage from its stage slots.
package policy

import (
	"errors"
	"fmt"

	"ictaccess/internal/model"
)

var (
	ErrUnknownType            = errors.New("unknown request type")
	ErrPolicyMisconfiguration = errors.New("stage policy misconfiguration")
)

// Availability labels reported for an officer's workload.
const (
	AvailabilityAvailable = "Available"
	AvailabilityLow       = "Low Load"
	AvailabilityModerate  = "Moderate Load"
	AvailabilityHigh      = "High Load"
)

const (
	defaultGenericTaskCap = 3
	defaultICTTaskCap     = 5
)

var accessChain = []string{
	model.StageHOD,
	model.StageDivisionalDirector,
	model.StageDICT,
	model.StageHeadOfIT,
	model.StageICTOfficer,
}

var chains = map[string][]string{
	model.RequestTypeModuleAccess:   accessChain,
	model.RequestTypeCombinedAccess: accessChain,
	model.RequestTypeDeviceBooking:  {model.StageICTOfficer},
}

var stageRoles = map[string]string{
	model.StageHOD:                model.RoleHeadOfDepartment,
	model.StageDivisionalDirector: model.RoleDivisionalDirector,
	model.StageDICT:               model.RoleICTDirector,
	model.StageHeadOfIT:           model.RoleHeadOfIT,
	model.StageICTOfficer:         model.RoleICTOfficer,
}

// implementationStages lists the types whose last stage is decided by
// completing a task assignment rather than by a direct decision.
var implementationStages = map[string]string{
	model.RequestTypeModuleAccess:   model.StageICTOfficer,
	model.RequestTypeCombinedAccess: model.StageICTOfficer,
}

// Config holds the tunable parts of the policy.
type Config struct {
	RequireRejectReason bool
	GenericTaskCap      int
	ICTTaskCap          int
}

// State is the derived aggregate of a request's stage slots.
type State struct {
	Overall string
	Current string
}

// Policy is safe for concurrent use; it holds no mutable state.
type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy {
	if cfg.GenericTaskCap <= 0 {
		cfg.GenericTaskCap = defaultGenericTaskCap
	}
	if cfg.ICTTaskCap <= 0 {
		cfg.ICTTaskCap = defaultICTTaskCap
	}
	return &Policy{cfg: cfg}
}

// RequiredStages returns the ordered approval chain for reqType.
func (p *Policy) RequiredStages(reqType string) ([]string, error) {
	chain, ok := chains[reqType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, reqType)
	}
	out := make([]string, len(chain))
	copy(out, chain)
	return out, nil
}

// AuthorizedRole returns the role allowed to decide stage.
func (p *Policy) AuthorizedRole(stage string) (string, error) {
	role, ok := stageRoles[stage]
	if !ok {
		return "", fmt.Errorf("%w: no role mapped for stage %q", ErrPolicyMisconfiguration, stage)
	}
	return role, nil
}

// FirstStage returns the stage a freshly submitted request waits on.
func (p *Policy) FirstStage(reqType string) (string, error) {
	chain, err := p.RequiredStages(reqType)
	if err != nil {
		return "", err
	}
	return chain[0], nil
}

// ImplementationStage returns the stage closed by task completion, if the type has one.
func (p *Policy) ImplementationStage(reqType string) (string, bool) {
	stage, ok := implementationStages[reqType]
	return stage, ok
}

// DepartmentScoped reports whether approvers of stage are limited to the
// requester's department.
func (p *Policy) DepartmentScoped(stage string) bool {
	return stage == model.StageHOD
}

func (p *Policy) RejectRequiresComments() bool {
	return p.cfg.RequireRejectReason
}

// AssignerRole is the role allowed to hand tasks to officers.
func (p *Policy) AssignerRole() string {
	return model.RoleHeadOfIT
}

// OfficerRole is the role that can receive task assignments.
func (p *Policy) OfficerRole() string {
	return model.RoleICTOfficer
}

// WorkloadCap returns the number of active assignments at which an officer
// stops accepting tasks of the given kind.
func (p *Policy) WorkloadCap(kind string) (int, error) {
	switch kind {
	case model.TaskKindGeneric:
		return p.cfg.GenericTaskCap, nil
	case model.TaskKindICT:
		return p.cfg.ICTTaskCap, nil
	default:
		return 0, fmt.Errorf("%w: unknown task kind %q", ErrPolicyMisconfiguration, kind)
	}
}

// Availability classifies an active workload against the cap for kind.
// It is a reporting view only; assignment is gated by WorkloadCap.
func (p *Policy) Availability(active int, kind string) string {
	limit, err := p.WorkloadCap(kind)
	if err != nil {
		limit = p.cfg.ICTTaskCap
	}
	switch {
	case active <= 0:
		return AvailabilityAvailable
	case active >= limit:
		return AvailabilityHigh
	case active < (limit+1)/2:
		return AvailabilityLow
	default:
		return AvailabilityModerate
	}
}

// Terminal reports whether no further decide or cancel is accepted in status.
func (p *Policy) Terminal(status string) bool {
	switch status {
	case model.RequestStatusApproved, model.RequestStatusRejected,
		model.RequestStatusCancelled, model.RequestStatusCompleted:
		return true
	}
	return false
}

// Cancellable reports whether the requester may still withdraw in status.
func (p *Policy) Cancellable(status string) bool {
	return status == model.RequestStatusPending || status == model.RequestStatusInReview
}

// NewSlots builds the pending stage slots for a new request of reqType.
func (p *Policy) NewSlots(reqType string) ([]model.ApprovalStage, error) {
	chain, err := p.RequiredStages(reqType)
	if err != nil {
		return nil, err
	}
	slots := make([]model.ApprovalStage, 0, len(chain))
	for i, name := range chain {
		slots = append(slots, model.ApprovalStage{
			Stage:    name,
			Position: i + 1,
			Status:   model.StageStatusPending,
		})
	}
	return slots, nil
}

// CurrentStage returns the first pending stage in chain order, or
// model.StageCompleted once every slot is approved. Terminal requests that
// did not complete have no current stage.
func (p *Policy) CurrentStage(req *model.AccessRequest) (string, error) {
	st, err := p.Evaluate(req)
	if err != nil {
		return "", err
	}
	return st.Current, nil
}

// Evaluate derives the overall status and current stage of req.
func (p *Policy) Evaluate(req *model.AccessRequest) (State, error) {
	chain, err := p.RequiredStages(req.Type)
	if err != nil {
		return State{}, err
	}
	if req.CancelledAt != nil {
		return State{Overall: model.RequestStatusCancelled}, nil
	}

	current := ""
	decided := 0
	for _, name := range chain {
		slot := req.Stage(name)
		if slot == nil {
			return State{}, fmt.Errorf("%w: request %s has no %q slot", ErrPolicyMisconfiguration, req.ID, name)
		}
		switch slot.Status {
		case model.StageStatusPending:
			if current == "" {
				current = name
			}
		case model.StageStatusApproved, model.StageStatusRejected:
			// stages are sequential: nothing may be decided past the first pending slot
			if current != "" {
				return State{}, fmt.Errorf("%w: stage %q decided before %q", ErrPolicyMisconfiguration, name, current)
			}
			if slot.Status == model.StageStatusRejected {
				return State{Overall: model.RequestStatusRejected}, nil
			}
			decided++
		default:
			return State{}, fmt.Errorf("%w: stage %q has status %q", ErrPolicyMisconfiguration, name, slot.Status)
		}
	}

	impl, hasImpl := p.ImplementationStage(req.Type)
	switch {
	case current == "" && hasImpl:
		return State{Overall: model.RequestStatusCompleted, Current: model.StageCompleted}, nil
	case current == "":
		return State{Overall: model.RequestStatusApproved, Current: model.StageCompleted}, nil
	case hasImpl && current == impl:
		return State{Overall: model.RequestStatusApproved, Current: current}, nil
	case decided > 0:
		return State{Overall: model.RequestStatusInReview, Current: current}, nil
	default:
		return State{Overall: model.RequestStatusPending, Current: current}, nil
	}
}
