package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"ictaccess/internal/event"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCreatesPendingChain(t *testing.T) {
	f := newFixture(t)

	snap := f.submit(t, model.RequestTypeModuleAccess)

	assert.Equal(t, model.RequestStatusPending, snap.OverallStatus)
	assert.Equal(t, model.StageHOD, snap.CurrentStage)
	assert.True(t, strings.HasPrefix(snap.Reference, "ICT-"), snap.Reference)
	assert.Equal(t, department, snap.Department)
	require.Len(t, snap.Stages, 5)
	for i, slot := range snap.Stages {
		assert.Equal(t, model.StageStatusPending, slot.Status)
		assert.Equal(t, i+1, slot.Position)
		assert.Nil(t, slot.ActorID)
		assert.Nil(t, slot.DecidedAt)
	}
	assert.Equal(t, []event.Kind{event.KindSubmitted}, f.events.kinds())

	audit := f.store.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, model.ActionSubmitRequest, audit[0].Action)
	assert.Equal(t, snap.ID, audit[0].EntityID)
}

func TestSubmitReferencesAreUnique(t *testing.T) {
	f := newFixture(t)

	a := f.submit(t, model.RequestTypeModuleAccess)
	b := f.submit(t, model.RequestTypeDeviceBooking)

	assert.NotEqual(t, a.Reference, b.Reference)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflow.Submit(ctx, f.requester, SubmitRequest{Type: "printer_repair"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, policy.ErrUnknownType)

	_, err = f.workflow.Submit(ctx, f.requester, SubmitRequest{
		Type:                  model.RequestTypeCombinedAccess,
		AdditionalNotifyUsers: []string{"not-a-uuid"},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.workflow.Submit(ctx, f.requester, SubmitRequest{Type: model.RequestTypeModuleAccess, Payload: []byte(`{`)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, f.store.AuditEntries())
}

func TestSubmitScopesHODStageToRequesterDepartment(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	pharmacyHOD := f.actor("hod-pharmacy", model.RoleHeadOfDepartment, "Pharmacy")

	// Act
	snap := f.submit(t, model.RequestTypeModuleAccess)
	_, foreignErr := f.decide(snap.ID, pharmacyHOD, model.StageHOD, event.DecisionApprove, "")
	decided, ownErr := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")

	// Assert
	assert.Equal(t, department, snap.Department)
	assert.ErrorIs(t, foreignErr, ErrUnauthorized)
	require.NoError(t, ownErr)
	assert.Equal(t, model.StageDivisionalDirector, decided.CurrentStage)

	homeless := model.NewActor(f.requester.ID, model.RoleStaff)
	_, err := f.workflow.Submit(ctx, homeless, SubmitRequest{Type: model.RequestTypeModuleAccess})
	assert.ErrorIs(t, err, ErrInvalidInput)

	booking, err := f.workflow.Submit(ctx, homeless, SubmitRequest{Type: model.RequestTypeDeviceBooking})
	require.NoError(t, err)
	assert.Empty(t, booking.Department)
}

func TestDecideSequentialGating(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	_, err := f.decide(snap.ID, f.director, model.StageDivisionalDirector, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrStaleStage)

	_, err = f.decide(snap.ID, f.dict, model.StageDICT, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrStaleStage)

	_, err = f.decide(snap.ID, f.hod, "finance", event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrStaleStage)

	stored := f.store.Request(uuid.MustParse(snap.ID))
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, []event.Kind{event.KindSubmitted}, f.events.kinds())
}

func TestDecideWalksChainToImplementation(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	after, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusInReview, after.OverallStatus)
	assert.Equal(t, model.StageDivisionalDirector, after.CurrentStage)
	require.NotNil(t, after.Stages[0].ActorID)
	assert.Equal(t, f.hod.ID.String(), *after.Stages[0].ActorID)
	require.NotNil(t, after.Stages[0].Comments)
	assert.Equal(t, "ok", *after.Stages[0].Comments)
	assert.NotNil(t, after.Stages[0].DecidedAt)
	assert.False(t, f.events.last().Final)

	final := f.approveRemaining(t, snap.ID)
	assert.Equal(t, model.RequestStatusApproved, final.OverallStatus)
	assert.Equal(t, model.StageICTOfficer, final.CurrentStage)
	assert.Equal(t, model.StageStatusPending, slotStatus(final, model.StageICTOfficer))

	last := f.events.last()
	assert.Equal(t, event.KindDecided, last.Kind)
	assert.Equal(t, model.StageHeadOfIT, last.Stage)
	assert.True(t, last.Final)
}

func (f *fixture) approveRemaining(t *testing.T, id string) RequestSnapshot {
	t.Helper()
	var snap RequestSnapshot
	var err error
	for _, step := range []struct {
		stage string
		actor model.ActorContext
	}{
		{model.StageDivisionalDirector, f.director},
		{model.StageDICT, f.dict},
		{model.StageHeadOfIT, f.headOfIT},
	} {
		snap, err = f.decide(id, step.actor, step.stage, event.DecisionApprove, "")
		require.NoError(t, err)
	}
	return snap
}

func TestRejectionHaltsChain(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	_, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")
	require.NoError(t, err)
	_, err = f.decide(snap.ID, f.director, model.StageDivisionalDirector, event.DecisionApprove, "")
	require.NoError(t, err)
	rejected, err := f.decide(snap.ID, f.dict, model.StageDICT, event.DecisionReject, "policy violation")
	require.NoError(t, err)

	assert.Equal(t, model.RequestStatusRejected, rejected.OverallStatus)
	assert.Empty(t, rejected.CurrentStage)
	assert.Equal(t, model.StageStatusRejected, slotStatus(rejected, model.StageDICT))
	assert.Equal(t, model.StageStatusPending, slotStatus(rejected, model.StageHeadOfIT))
	assert.Equal(t, model.StageStatusPending, slotStatus(rejected, model.StageICTOfficer))

	last := f.events.last()
	assert.Equal(t, event.DecisionReject, last.Decision)
	assert.Equal(t, "policy violation", last.Comments)
	assert.True(t, last.Final)

	_, err = f.decide(snap.ID, f.headOfIT, model.StageHeadOfIT, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrChainClosed)

	again, err := f.decide(snap.ID, f.dict, model.StageDICT, event.DecisionReject, "policy violation")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.Equal(t, rejected.Version, again.Version)
}

func TestDecideIsIdempotent(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	first, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")
	require.NoError(t, err)

	second, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.True(t, IsNoop(err))
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Stages, second.Stages)
	assert.Equal(t, first.OverallStatus, second.OverallStatus)

	_, err = f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionReject, "changed my mind")
	assert.ErrorIs(t, err, ErrStaleStage)

	assert.Equal(t, []event.Kind{event.KindSubmitted, event.KindDecided}, f.events.kinds())
}

func TestDecideChecksAuthority(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	_, err := f.decide(snap.ID, f.dict, model.StageHOD, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	otherHOD := f.actor("hod-surgery", model.RoleHeadOfDepartment, "Surgery")
	_, err = f.decide(snap.ID, otherHOD, model.StageHOD, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.decide(snap.ID, f.hod, model.StageHOD, "escalate", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionReject, "  ")
	assert.ErrorIs(t, err, ErrCommentsRequired)

	_, err = f.decide(uuid.NewString(), f.hod, model.StageHOD, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	stored := f.store.Request(uuid.MustParse(snap.ID))
	assert.Equal(t, model.StageStatusPending, stored.Stage(model.StageHOD).Status)
}

func TestRejectWithoutCommentsWhenNotRequired(t *testing.T) {
	f := newFixture(t)
	f.workflow.(*workflowService).Policy = policy.New(policy.Config{RequireRejectReason: false})
	snap := f.submit(t, model.RequestTypeModuleAccess)

	rejected, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionReject, "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusRejected, rejected.OverallStatus)
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision, comments := event.DecisionApprove, ""
			if i%2 == 1 {
				decision, comments = event.DecisionReject, "incomplete form"
			}
			_, errs[i] = f.decide(snap.ID, f.hod, model.StageHOD, decision, comments)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrStaleStage), errors.Is(err, ErrChainClosed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	stored := f.store.Request(uuid.MustParse(snap.ID))
	assert.Equal(t, 2, stored.Version)
	assert.False(t, stored.Stage(model.StageHOD).Pending())
	assert.Len(t, f.store.AuditEntries(), 2)
}

func TestEventFailureDoesNotUndoDecision(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)
	f.events.err = errors.New("queue full")

	after, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")

	require.NoError(t, err)
	assert.Equal(t, model.StageStatusApproved, slotStatus(after, model.StageHOD))
	stored := f.store.Request(uuid.MustParse(snap.ID))
	assert.Equal(t, model.RequestStatusInReview, stored.OverallStatus)
}

func TestPersistenceFailureRollsBackDecision(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeModuleAccess)
	f.store.FailAudit = errors.New("connection reset")

	_, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")

	require.Error(t, err)
	stored := f.store.Request(uuid.MustParse(snap.ID))
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, model.RequestStatusPending, stored.OverallStatus)
	assert.True(t, stored.Stage(model.StageHOD).Pending())
	assert.Nil(t, stored.Stage(model.StageHOD).ActorID)
	assert.Equal(t, []event.Kind{event.KindSubmitted}, f.events.kinds())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := f.submit(t, model.RequestTypeModuleAccess)
	_, err := f.decide(snap.ID, f.hod, model.StageHOD, event.DecisionApprove, "")
	require.NoError(t, err)
	id := uuid.MustParse(snap.ID)

	_, err = f.workflow.Cancel(ctx, id, f.hod, "not mine")
	assert.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := f.workflow.Cancel(ctx, id, f.requester, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, cancelled.OverallStatus)
	assert.Empty(t, cancelled.CurrentStage)
	assert.Equal(t, "no longer needed", cancelled.CancelReason)
	assert.Equal(t, event.KindCancelled, f.events.last().Kind)

	_, err = f.decide(snap.ID, f.director, model.StageDivisionalDirector, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = f.workflow.Cancel(ctx, id, f.requester, "again")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestAdminCanCancelButNotAfterApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.submit(t, model.RequestTypeModuleAccess)
	cancelled, err := f.workflow.Cancel(ctx, uuid.MustParse(pending.ID), f.admin, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, cancelled.OverallStatus)

	approved := f.approvedRequest(t)
	_, err = f.workflow.Cancel(ctx, approved, f.requester, "too late")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestImplementationStageIsNotDecidedDirectly(t *testing.T) {
	f := newFixture(t)
	id := f.approvedRequest(t)

	_, err := f.decide(id.String(), f.officerActor(0), model.StageICTOfficer, event.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestDeviceBookingSingleStage(t *testing.T) {
	f := newFixture(t)
	snap := f.submit(t, model.RequestTypeDeviceBooking)
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, model.StageICTOfficer, snap.CurrentStage)

	approved, err := f.decide(snap.ID, f.officerActor(0), model.StageICTOfficer, event.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, approved.OverallStatus)
	assert.Equal(t, model.StageCompleted, approved.CurrentStage)
	assert.True(t, f.events.last().Final)
	assert.Equal(t, model.RequestTypeDeviceBooking, f.events.last().RequestType)
}

func TestListAndSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, model.RequestTypeModuleAccess)
	booking := f.submit(t, model.RequestTypeDeviceBooking)

	all, total, err := f.workflow.List(ctx, RequestListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	bookings, total, err := f.workflow.List(ctx, RequestListFilter{Type: model.RequestTypeDeviceBooking})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, booking.ID, bookings[0].ID)

	got, err := f.workflow.GetSnapshot(ctx, uuid.MustParse(booking.ID))
	require.NoError(t, err)
	assert.Equal(t, "amina", got.RequesterName)
	assert.JSONEq(t, `{"modules":["jeeva","wellsoft"]}`, string(got.Payload))

	_, err = f.workflow.GetSnapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
