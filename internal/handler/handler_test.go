package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"
	"ictaccess/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("handler-secret")

type staticPerms map[string][]string

func (p staticPerms) GetPermissionsByRoleName(_ context.Context, role string) ([]string, error) {
	return p[role], nil
}

type fakeWorkflow struct {
	snap       service.RequestSnapshot
	err        error
	lastDecide service.DecideInput
	lastFilter service.RequestListFilter
	lastReason string
}

func (f *fakeWorkflow) Submit(_ context.Context, actor model.ActorContext, req service.SubmitRequest) (service.RequestSnapshot, error) {
	f.snap.RequesterID = actor.ID.String()
	f.snap.Type = req.Type
	return f.snap, f.err
}

func (f *fakeWorkflow) Decide(_ context.Context, in service.DecideInput) (service.RequestSnapshot, error) {
	f.lastDecide = in
	return f.snap, f.err
}

func (f *fakeWorkflow) Cancel(_ context.Context, _ uuid.UUID, _ model.ActorContext, reason string) (service.RequestSnapshot, error) {
	f.lastReason = reason
	return f.snap, f.err
}

func (f *fakeWorkflow) GetSnapshot(context.Context, uuid.UUID) (service.RequestSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeWorkflow) List(_ context.Context, filter service.RequestListFilter) ([]service.RequestSnapshot, int64, error) {
	f.lastFilter = filter
	return []service.RequestSnapshot{f.snap}, 1, f.err
}

func (f *fakeWorkflow) ListNotifications(context.Context, uuid.UUID) ([]service.SMSLogResponse, error) {
	return []service.SMSLogResponse{{Phone: "+255700000001", Status: model.SMSLogSent}}, f.err
}

type fakeTasks struct {
	err        error
	lastAssign service.AssignInput
	lastStatus string
}

func (f *fakeTasks) Assign(_ context.Context, in service.AssignInput) (service.AssignmentResponse, error) {
	f.lastAssign = in
	return service.AssignmentResponse{ID: uuid.NewString(), Status: model.TaskStatusAssigned}, f.err
}

func (f *fakeTasks) UpdateProgress(_ context.Context, _ uuid.UUID, _ model.ActorContext, status string) (service.AssignmentResponse, error) {
	f.lastStatus = status
	return service.AssignmentResponse{Status: status}, f.err
}

func (f *fakeTasks) Cancel(context.Context, uuid.UUID, model.ActorContext, string) (service.AssignmentResponse, error) {
	return service.AssignmentResponse{Status: model.TaskStatusCancelled}, f.err
}

func (f *fakeTasks) OfficerWorkloads(context.Context) ([]service.OfficerWorkload, error) {
	return []service.OfficerWorkload{{Name: "Baraka", Active: 2, Availability: "moderate"}}, f.err
}

type testServer struct {
	router   *gin.Engine
	workflow *fakeWorkflow
	tasks    *fakeTasks
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	perms := staticPerms{
		model.RoleStaff:            {model.PermRequestsSubmit, model.PermRequestsRead},
		model.RoleHeadOfDepartment: {model.PermRequestsSubmit, model.PermRequestsRead, model.PermRequestsDecide},
		model.RoleHeadOfIT:         {model.PermRequestsRead, model.PermRequestsDecide, model.PermTasksManage, model.PermAuditRead},
		model.RoleICTOfficer:       {model.PermRequestsRead, model.PermTasksWork},
	}
	auth := middleware.NewAuth(secret, perms, logger)

	ts := &testServer{
		router:   gin.New(),
		workflow: &fakeWorkflow{snap: service.RequestSnapshot{ID: uuid.NewString(), OverallStatus: model.RequestStatusPending}},
		tasks:    &fakeTasks{},
	}
	NewRequestHandler(ts.workflow, auth, logger).RegisterRoutes(ts.router.Group(""))
	NewTaskHandler(ts.tasks, auth, logger).RegisterRoutes(ts.router.Group(""))
	return ts
}

func token(t *testing.T, id uuid.UUID, role string) string {
	t.Helper()
	claims := middleware.Claims{
		Role:       role,
		Department: "Radiology",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Noop       bool            `json:"noop"`
}

func (ts *testServer) call(t *testing.T, method, path, tok string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func TestStatusForMapsErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("%w: wrong department", service.ErrUnauthorized), http.StatusForbidden},
		{service.ErrStaleStage, http.StatusConflict},
		{service.ErrChainClosed, http.StatusConflict},
		{service.ErrActiveAssignmentExists, http.StatusConflict},
		{service.ErrInvalidTransition, http.StatusConflict},
		{service.ErrNotAwaitingImplementation, http.StatusConflict},
		{service.ErrOfficerAtCapacity, http.StatusConflict},
		{service.ErrRequestNotFound, http.StatusNotFound},
		{service.ErrAssignmentNotFound, http.StatusNotFound},
		{service.ErrCommentsRequired, http.StatusBadRequest},
		{service.ErrInvalidDecision, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", service.ErrInvalidInput, policy.ErrPolicyMisconfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: %q", policy.ErrUnknownType, "x"), http.StatusBadRequest},
		{policy.ErrPolicyMisconfiguration, http.StatusInternalServerError},
		{fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSubmitRequest(t *testing.T) {
	ts := newTestServer()
	staff := uuid.New()

	code, env := ts.call(t, http.MethodPost, "/api/requests", token(t, staff, model.RoleStaff), map[string]interface{}{
		"type":    model.RequestTypeModuleAccess,
		"payload": map[string]string{"module": "Radiology PACS"},
	})
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "success", env.Status)

	code, _ = ts.call(t, http.MethodPost, "/api/requests", token(t, staff, model.RoleStaff), map[string]interface{}{
		"type": "parking_permit",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.call(t, http.MethodPost, "/api/requests", "", map[string]interface{}{"type": model.RequestTypeModuleAccess})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestDecideResponses(t *testing.T) {
	ts := newTestServer()
	hod := uuid.New()
	path := "/api/requests/" + uuid.NewString() + "/decide"
	body := map[string]string{"stage": model.StageHOD, "decision": "approve"}

	code, _ := ts.call(t, http.MethodPut, path, token(t, hod, model.RoleStaff), body)
	assert.Equal(t, http.StatusForbidden, code, "staff lack the decide permission")

	code, env := ts.call(t, http.MethodPut, path, token(t, hod, model.RoleHeadOfDepartment), body)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, env.Noop)
	assert.Equal(t, hod, ts.workflow.lastDecide.Actor.ID)
	assert.Equal(t, model.StageHOD, ts.workflow.lastDecide.Stage)

	ts.workflow.err = service.ErrAlreadyDecided
	code, env = ts.call(t, http.MethodPut, path, token(t, hod, model.RoleHeadOfDepartment), body)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Noop)
	assert.NotEmpty(t, env.Data)

	ts.workflow.err = service.ErrChainClosed
	code, env = ts.call(t, http.MethodPut, path, token(t, hod, model.RoleHeadOfDepartment), body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, service.ErrChainClosed.Error(), env.Error)

	ts.workflow.err = fmt.Errorf("%w: stage %q is limited to department %q", service.ErrUnauthorized, model.StageHOD, "Surgery")
	code, _ = ts.call(t, http.MethodPut, path, token(t, hod, model.RoleHeadOfDepartment), body)
	assert.Equal(t, http.StatusForbidden, code)

	ts.workflow.err = fmt.Errorf("pq: deadlock detected")
	code, env = ts.call(t, http.MethodPut, path, token(t, hod, model.RoleHeadOfDepartment), body)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, env.Error, "deadlock")
}

func TestDecideValidatesPayload(t *testing.T) {
	ts := newTestServer()
	tok := token(t, uuid.New(), model.RoleHeadOfDepartment)

	code, _ := ts.call(t, http.MethodPut, "/api/requests/not-a-uuid/decide", tok, map[string]string{"stage": "hod", "decision": "approve"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.call(t, http.MethodPut, "/api/requests/"+uuid.NewString()+"/decide", tok, map[string]string{"stage": "hod", "decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelRequestWithoutBody(t *testing.T) {
	ts := newTestServer()
	tok := token(t, uuid.New(), model.RoleStaff)

	code, _ := ts.call(t, http.MethodPut, "/api/requests/"+uuid.NewString()+"/cancel", tok, nil)
	assert.Equal(t, http.StatusOK, code)

	ts.workflow.err = service.ErrAlreadyTerminal
	code, env := ts.call(t, http.MethodPut, "/api/requests/"+uuid.NewString()+"/cancel", tok, map[string]string{"reason": "no longer needed"})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Noop)
	assert.Equal(t, "no longer needed", ts.workflow.lastReason)
}

func TestStaffListOnlyTheirOwnRequests(t *testing.T) {
	ts := newTestServer()
	staff := uuid.New()

	code, _ := ts.call(t, http.MethodGet, "/api/requests?status=pending&page=2", token(t, staff, model.RoleStaff), nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, ts.workflow.lastFilter.RequesterID)
	assert.Equal(t, staff, *ts.workflow.lastFilter.RequesterID)
	assert.Equal(t, model.RequestStatusPending, ts.workflow.lastFilter.Status)
	assert.Equal(t, 2, ts.workflow.lastFilter.Page)

	code, _ = ts.call(t, http.MethodGet, "/api/requests", token(t, uuid.New(), model.RoleHeadOfIT), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, ts.workflow.lastFilter.RequesterID)
}

func TestStaffCannotReadOthersRequest(t *testing.T) {
	ts := newTestServer()
	owner := uuid.New()
	ts.workflow.snap.RequesterID = owner.String()
	path := "/api/requests/" + uuid.NewString()

	code, _ := ts.call(t, http.MethodGet, path, token(t, uuid.New(), model.RoleStaff), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.call(t, http.MethodGet, path, token(t, owner, model.RoleStaff), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStaffCannotReadOthersNotifications(t *testing.T) {
	ts := newTestServer()
	owner := uuid.New()
	ts.workflow.snap.RequesterID = owner.String()
	path := "/api/requests/" + uuid.NewString() + "/notifications"

	code, env := ts.call(t, http.MethodGet, path, token(t, uuid.New(), model.RoleStaff), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotContains(t, string(env.Data), "+255700000001")

	code, env = ts.call(t, http.MethodGet, path, token(t, owner, model.RoleStaff), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "+255700000001")

	code, _ = ts.call(t, http.MethodGet, path, token(t, uuid.New(), model.RoleHeadOfIT), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAssignEndpoint(t *testing.T) {
	ts := newTestServer()
	path := "/api/requests/" + uuid.NewString() + "/assignments"
	head := token(t, uuid.New(), model.RoleHeadOfIT)
	officer := uuid.New()

	code, _ := ts.call(t, http.MethodPost, path, head, map[string]string{"officer_id": officer.String(), "priority": "high"})
	assert.Equal(t, http.StatusCreated, code)
	require.NotNil(t, ts.tasks.lastAssign.OfficerID)
	assert.Equal(t, officer, *ts.tasks.lastAssign.OfficerID)
	assert.Equal(t, model.PriorityHigh, ts.tasks.lastAssign.Priority)

	code, _ = ts.call(t, http.MethodPost, path, head, map[string]string{})
	assert.Equal(t, http.StatusCreated, code)
	assert.Nil(t, ts.tasks.lastAssign.OfficerID, "no officer means auto-assign")

	code, _ = ts.call(t, http.MethodPost, path, head, map[string]string{"officer_id": "bob"})
	assert.Equal(t, http.StatusBadRequest, code)

	ts.tasks.err = service.ErrOfficerAtCapacity
	code, _ = ts.call(t, http.MethodPost, path, head, map[string]string{})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.call(t, http.MethodPost, path, token(t, uuid.New(), model.RoleICTOfficer), map[string]string{})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestProgressEndpoint(t *testing.T) {
	ts := newTestServer()
	path := "/api/assignments/" + uuid.NewString() + "/progress"
	officer := token(t, uuid.New(), model.RoleICTOfficer)

	code, env := ts.call(t, http.MethodPut, path, officer, map[string]string{"status": model.TaskStatusInProgress})
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), model.TaskStatusInProgress)

	code, _ = ts.call(t, http.MethodPut, path, officer, map[string]string{"status": "assigned"})
	assert.Equal(t, http.StatusBadRequest, code)

	ts.tasks.err = service.ErrInvalidTransition
	code, _ = ts.call(t, http.MethodPut, path, officer, map[string]string{"status": model.TaskStatusCompleted})
	assert.Equal(t, http.StatusConflict, code)
}

func TestWorkloadEndpoint(t *testing.T) {
	ts := newTestServer()

	code, env := ts.call(t, http.MethodGet, "/api/officers/workload", token(t, uuid.New(), model.RoleHeadOfIT), nil)

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "Baraka")
}
