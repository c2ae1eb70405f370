package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"ictaccess/internal/event"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"
	"ictaccess/internal/repository/repotest"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.WorkflowEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev event.WorkflowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (p *recordingPublisher) last() event.WorkflowEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

const department = "Radiology"

type fixture struct {
	store    *repotest.Store
	events   *recordingPublisher
	policy   *policy.Policy
	workflow WorkflowService
	tasks    TaskService

	requester model.ActorContext
	hod       model.ActorContext
	director  model.ActorContext
	dict      model.ActorContext
	headOfIT  model.ActorContext
	admin     model.ActorContext
	officers  []model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := repotest.NewStore()
	events := &recordingPublisher{}
	pol := policy.New(policy.Config{RequireRejectReason: true})

	f := &fixture{store: store, events: events, policy: pol}
	f.requester = f.actor("amina", model.RoleStaff, department)
	f.hod = f.actor("hod", model.RoleHeadOfDepartment, department)
	f.director = f.actor("director", model.RoleDivisionalDirector, "Clinical Services")
	f.dict = f.actor("dict", model.RoleICTDirector, "ICT")
	f.headOfIT = f.actor("head-it", model.RoleHeadOfIT, "ICT")
	f.admin = f.actor("admin", model.RoleAdmin, "ICT")
	for i, name := range []string{"officer-a", "officer-b"} {
		f.officers = append(f.officers, store.AddUser(model.User{
			Username:   name,
			Phone:      fmt.Sprintf("+2557000001%02d", i),
			Role:       model.RoleICTOfficer,
			Department: "ICT",
		}))
	}

	f.workflow = NewWorkflowService(WorkflowDeps{
		Tx:       store.TxManager(),
		Requests: store.RequestRepo(),
		Tasks:    store.TaskRepo(),
		Audit:    store.AuditRepo(),
		SMSLogs:  store.SMSLogRepo(),
		Policy:   pol,
		Events:   events,
		Logger:   logger,
	})
	f.tasks = NewTaskService(TaskDeps{
		Tx:       store.TxManager(),
		Requests: store.RequestRepo(),
		Tasks:    store.TaskRepo(),
		Users:    store.UserRepo(),
		Audit:    store.AuditRepo(),
		Policy:   pol,
		Events:   events,
		Logger:   logger,
	})
	return f
}

func (f *fixture) actor(username, role, dept string) model.ActorContext {
	u := f.store.AddUser(model.User{Username: username, Phone: "+255711" + username, Role: role, Department: dept})
	a := model.NewActor(u.ID, role)
	a.Department = dept
	a.Phone = u.Phone
	return a
}

func (f *fixture) officerActor(i int) model.ActorContext {
	a := model.NewActor(f.officers[i].ID, model.RoleICTOfficer)
	a.Department = "ICT"
	return a
}

func (f *fixture) submit(t *testing.T, reqType string, notify ...string) RequestSnapshot {
	t.Helper()
	snap, err := f.workflow.Submit(context.Background(), f.requester, SubmitRequest{
		Type:                  reqType,
		Payload:               []byte(`{"modules":["jeeva","wellsoft"]}`),
		AdditionalNotifyUsers: notify,
	})
	require.NoError(t, err)
	return snap
}

func (f *fixture) decide(id string, actor model.ActorContext, stage, decision, comments string) (RequestSnapshot, error) {
	return f.workflow.Decide(context.Background(), DecideInput{
		RequestID: uuid.MustParse(id),
		Actor:     actor,
		Stage:     stage,
		Decision:  decision,
		Comments:  comments,
	})
}

// approveChain approves every stage up to and including head_of_it.
func (f *fixture) approveChain(t *testing.T, id string) RequestSnapshot {
	t.Helper()
	var snap RequestSnapshot
	var err error
	for _, step := range []struct {
		stage string
		actor model.ActorContext
	}{
		{model.StageHOD, f.hod},
		{model.StageDivisionalDirector, f.director},
		{model.StageDICT, f.dict},
		{model.StageHeadOfIT, f.headOfIT},
	} {
		snap, err = f.decide(id, step.actor, step.stage, event.DecisionApprove, "")
		require.NoError(t, err, "stage %s", step.stage)
	}
	return snap
}

// approvedRequest submits a module access request and approves it up to implementation.
func (f *fixture) approvedRequest(t *testing.T) uuid.UUID {
	t.Helper()
	snap := f.submit(t, model.RequestTypeModuleAccess)
	f.approveChain(t, snap.ID)
	return uuid.MustParse(snap.ID)
}

func slotStatus(snap RequestSnapshot, stage string) string {
	for _, s := range snap.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	return ""
}
