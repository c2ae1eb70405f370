package handler

import (
	"net/http"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/service"
	"ictaccess/pkg/pagination"
	"ictaccess/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type DecideRequest struct {
	Stage        string `json:"stage" binding:"required"`
	Decision     string `json:"decision" binding:"required,oneof=approve reject"`
	Comments     string `json:"comments"`
	SignatureRef string `json:"signature_ref"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RequestHandler struct {
	workflow service.WorkflowService
	auth     *middleware.Auth
	logger   *logrus.Logger
}

func NewRequestHandler(workflow service.WorkflowService, auth *middleware.Auth, logger *logrus.Logger) *RequestHandler {
	return &RequestHandler{workflow: workflow, auth: auth, logger: logger}
}

func (h *RequestHandler) RegisterRoutes(router *gin.RouterGroup) {
	requests := router.Group("/api/requests")
	{
		requests.POST("", h.auth.RequirePermission(model.PermRequestsSubmit), h.Submit)
		requests.GET("", h.auth.RequirePermission(model.PermRequestsRead), h.List)
		requests.GET("/:id", h.auth.RequirePermission(model.PermRequestsRead), h.Get)
		requests.GET("/:id/notifications", h.auth.RequirePermission(model.PermRequestsRead), h.Notifications)
		requests.PUT("/:id/decide", h.auth.RequirePermission(model.PermRequestsDecide), h.Decide)
		requests.PUT("/:id/cancel", h.auth.Authenticate(), h.Cancel)
	}
}

// Submit creates a request with its full pending approval chain
// @Summary      Submit an access request
// @Description  Creates the request and one pending slot per required stage
// @Tags         requests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.SubmitRequest  true  "Request payload"
// @Success      201      {object}  response.Response{data=service.RequestSnapshot}
// @Failure      400      {object}  response.Response
// @Router       /api/requests [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	snap, err := h.workflow.Submit(c.Request.Context(), actor, req)
	respond(c, h.logger, http.StatusCreated, snap, err)
}

// List returns one page of requests. Staff only see their own.
// @Summary      List access requests
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        status  query     string  false  "Overall status"
// @Param        type    query     string  false  "Request type"
// @Param        stage   query     string  false  "Current stage"
// @Param        mine    query     bool    false  "Only my requests"
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Items per page (default 20)"
// @Success      200     {object}  response.Response{data=object}
// @Router       /api/requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	p := pagination.Parse(c)

	filter := service.RequestListFilter{
		Status: c.Query("status"),
		Type:   c.Query("type"),
		Stage:  c.Query("stage"),
		Page:   p.Page,
		Limit:  p.Limit,
	}
	if c.Query("mine") == "true" || !seesAllRequests(actor) {
		filter.RequesterID = &actor.ID
	}

	requests, total, err := h.workflow.List(c.Request.Context(), filter)
	if err != nil {
		respond(c, h.logger, http.StatusOK, nil, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, p.Wrap("requests", requests, total)))
}

// Get returns the request snapshot
// @Summary      Get an access request
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.RequestSnapshot}
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	actor, _ := middleware.ActorFrom(c)

	snap, err := h.workflow.GetSnapshot(c.Request.Context(), id)
	if err == nil {
		err = visibleTo(actor, snap)
	}
	respond(c, h.logger, http.StatusOK, snap, err)
}

// Notifications lists the SMS attempts recorded for a request. Staff only see their own.
// @Summary      List SMS notifications of a request
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=[]service.SMSLogResponse}
// @Router       /api/requests/{id}/notifications [get]
func (h *RequestHandler) Notifications(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	actor, _ := middleware.ActorFrom(c)
	if !seesAllRequests(actor) {
		snap, err := h.workflow.GetSnapshot(c.Request.Context(), id)
		if err == nil {
			err = visibleTo(actor, snap)
		}
		if err != nil {
			respond(c, h.logger, http.StatusOK, nil, err)
			return
		}
	}

	logs, err := h.workflow.ListNotifications(c.Request.Context(), id)
	respond(c, h.logger, http.StatusOK, logs, err)
}

// Decide records an approve or reject decision on one stage
// @Summary      Decide a stage
// @Description  Replays of the same decision return 200 with noop=true
// @Tags         requests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string         true  "Request ID"
// @Param        payload  body      DecideRequest  true  "Decision"
// @Success      200      {object}  response.Response{data=service.RequestSnapshot}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/requests/{id}/decide [put]
func (h *RequestHandler) Decide(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	actor, _ := middleware.ActorFrom(c)

	snap, err := h.workflow.Decide(c.Request.Context(), service.DecideInput{
		RequestID:    id,
		Actor:        actor,
		Stage:        req.Stage,
		Decision:     req.Decision,
		Comments:     req.Comments,
		SignatureRef: req.SignatureRef,
	})
	respond(c, h.logger, http.StatusOK, snap, err)
}

// Cancel withdraws a request that is still in progress
// @Summary      Cancel an access request
// @Tags         requests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string         true   "Request ID"
// @Param        payload  body      CancelRequest  false  "Reason"
// @Success      200      {object}  response.Response{data=service.RequestSnapshot}
// @Router       /api/requests/{id}/cancel [put]
func (h *RequestHandler) Cancel(c *gin.Context) {
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

	snap, err := h.workflow.Cancel(c.Request.Context(), id, actor, req.Reason)
	respond(c, h.logger, http.StatusOK, snap, err)
}

// seesAllRequests is false for actors whose only role is staff.
func seesAllRequests(actor model.ActorContext) bool {
	for role := range actor.Roles {
		if role != model.RoleStaff {
			return true
		}
	}
	return false
}

// visibleTo hides other people's requests from staff as not found.
func visibleTo(actor model.ActorContext, snap service.RequestSnapshot) error {
	if seesAllRequests(actor) || snap.RequesterID == actor.ID.String() {
		return nil
	}
	return service.ErrRequestNotFound
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}
