package handler

import (
	"net/http"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type AssignRequest struct {
	OfficerID string `json:"officer_id"` // empty picks the least loaded officer
	Priority  string `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
	Kind      string `json:"kind" binding:"omitempty,oneof=generic ict"`
	Notes     string `json:"notes"`
}

type ProgressRequest struct {
	Status string `json:"status" binding:"required,oneof=in_progress completed"`
}

type TaskHandler struct {
	tasks  service.TaskService
	auth   *middleware.Auth
	logger *logrus.Logger
}

func NewTaskHandler(tasks service.TaskService, auth *middleware.Auth, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, auth: auth, logger: logger}
}

func (h *TaskHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/api/requests/:id/assignments", h.auth.RequirePermission(model.PermTasksManage), h.Assign)

	assignments := router.Group("/api/assignments")
	{
		assignments.PUT("/:id/progress", h.auth.RequirePermission(model.PermTasksWork), h.Progress)
		assignments.PUT("/:id/cancel", h.auth.RequirePermission(model.PermTasksManage), h.Cancel)
	}

	router.GET("/api/officers/workload", h.auth.RequirePermission(model.PermTasksManage), h.Workload)
}

// Assign hands an approved request to an ICT officer
// @Summary      Assign implementation
// @Tags         tasks
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string         true  "Request ID"
// @Param        payload  body      AssignRequest  true  "Assignment"
// @Success      201      {object}  response.Response{data=service.AssignmentResponse}
// @Failure      409      {object}  response.Response
// @Router       /api/requests/{id}/assignments [post]
func (h *TaskHandler) Assign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	actor, _ := middleware.ActorFrom(c)

	in := service.AssignInput{
		RequestID: id,
		Assigner:  actor,
		Priority:  req.Priority,
		Kind:      req.Kind,
		Notes:     req.Notes,
	}
	if req.OfficerID != "" {
		officerID, err := uuid.Parse(req.OfficerID)
		if err != nil {
			badRequest(c, "Invalid officer_id")
			return
		}
		in.OfficerID = &officerID
	}

	task, err := h.tasks.Assign(c.Request.Context(), in)
	respond(c, h.logger, http.StatusCreated, task, err)
}

// Progress moves an assignment one step forward
// @Summary      Update task progress
// @Description  assigned -> in_progress -> completed. Completing closes the request.
// @Tags         tasks
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string           true  "Assignment ID"
// @Param        payload  body      ProgressRequest  true  "New status"
// @Success      200      {object}  response.Response{data=service.AssignmentResponse}
// @Router       /api/assignments/{id}/progress [put]
func (h *TaskHandler) Progress(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	actor, _ := middleware.ActorFrom(c)

	task, err := h.tasks.UpdateProgress(c.Request.Context(), id, actor, req.Status)
	respond(c, h.logger, http.StatusOK, task, err)
}

// Cancel withdraws an active assignment; the request awaits a new one
// @Summary      Cancel an assignment
// @Tags         tasks
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string         true   "Assignment ID"
// @Param        payload  body      CancelRequest  false  "Reason"
// @Success      200      {object}  response.Response{data=service.AssignmentResponse}
// @Router       /api/assignments/{id}/cancel [put]
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request payload: "+err.Error())
			return
		}
	}
	actor, _ := middleware.ActorFrom(c)

	task, err := h.tasks.Cancel(c.Request.Context(), id, actor, req.Reason)
	respond(c, h.logger, http.StatusOK, task, err)
}

// Workload lists every ICT officer with active task count and availability
// @Summary      Officer workload
// @Tags         tasks
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response{data=[]service.OfficerWorkload}
// @Router       /api/officers/workload [get]
func (h *TaskHandler) Workload(c *gin.Context) {
	workloads, err := h.tasks.OfficerWorkloads(c.Request.Context())
	respond(c, h.logger, http.StatusOK, workloads, err)
}
