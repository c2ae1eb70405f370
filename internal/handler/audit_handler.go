package handler

import (
	"net/http"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/service"
	"ictaccess/pkg/pagination"
	"ictaccess/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type AuditHandler struct {
	auditService service.AuditService
	auth         *middleware.Auth
	logger       *logrus.Logger
}

func NewAuditHandler(auditService service.AuditService, auth *middleware.Auth, logger *logrus.Logger) *AuditHandler {
	return &AuditHandler{auditService: auditService, auth: auth, logger: logger}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/audit-logs")
	group.Use(h.auth.RequirePermission(model.PermAuditRead))
	{
		group.GET("", h.GetAuditLogs)
	}
}

// GetAuditLogs retrieves paginated audit entries, optionally for one request or assignment
// @Summary      Get audit logs
// @Description  Every decision, cancellation and assignment change is recorded here
// @Tags         audit
// @Security     BearerAuth
// @Produce      json
// @Param        entity_id  query     string  false  "Request or assignment ID"
// @Param        action     query     string  false  "Action, e.g. APPROVE_STAGE"
// @Param        page       query     int     false  "Page number (default 1)"
// @Param        limit      query     int     false  "Number of items per page (default 20)"
// @Success      200        {object}  response.Response{data=object}
// @Router       /api/audit-logs [get]
func (h *AuditHandler) GetAuditLogs(c *gin.Context) {
	p := pagination.Parse(c)

	logs, total, err := h.auditService.GetAuditLogs(c.Request.Context(), service.AuditLogFilter{
		EntityID: c.Query("entity_id"),
		Action:   c.Query("action"),
		Page:     p.Page,
		Limit:    p.Limit,
	})
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to retrieve audit logs")
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to retrieve audit logs"))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, p.Wrap("logs", logs, total)))
}
