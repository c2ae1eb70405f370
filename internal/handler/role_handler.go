package handler

import (
	"net/http"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/service"
	"ictaccess/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RoleHandler exposes the seeded role catalogue. Roles themselves are owned
// by the identity system, so there are no write endpoints.
type RoleHandler struct {
	roleService service.RoleService
	auth        *middleware.Auth
	logger      *logrus.Logger
}

func NewRoleHandler(roleService service.RoleService, auth *middleware.Auth, logger *logrus.Logger) *RoleHandler {
	return &RoleHandler{roleService: roleService, auth: auth, logger: logger}
}

func (h *RoleHandler) RegisterRoutes(router *gin.RouterGroup) {
	roles := router.Group("/api/roles")
	{
		roles.GET("", h.auth.Authenticate(), h.ListRoles)
		roles.POST("/cache/clear", h.auth.RequireRole(model.RoleAdmin), h.ClearCache)
	}
}

// ListRoles returns all roles with their permissions
// @Summary      List roles
// @Tags         roles
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response{data=[]service.RoleResponse}
// @Router       /api/roles [get]
func (h *RoleHandler) ListRoles(c *gin.Context) {
	roles, err := h.roleService.ListRoles(c.Request.Context())
	respond(c, h.logger, http.StatusOK, roles, err)
}

// ClearCache drops cached role permissions after they were changed in the database
// @Summary      Clear the permission cache
// @Tags         roles
// @Security     BearerAuth
// @Produce      json
// @Param        role  query     string  false  "Role name; empty clears every role"
// @Success      200   {object}  response.Response
// @Router       /api/roles/cache/clear [post]
func (h *RoleHandler) ClearCache(c *gin.Context) {
	h.auth.ClearPermissionCache(c.Query("role"))
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Permission cache cleared"}))
}
