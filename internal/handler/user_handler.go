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

type UserHandler struct {
	userService service.UserService
	auth        *middleware.Auth
	logger      *logrus.Logger
}

// NewUserHandler sets up the routing dependencies for User endpoints
func NewUserHandler(userService service.UserService, auth *middleware.Auth, logger *logrus.Logger) *UserHandler {
	return &UserHandler{userService: userService, auth: auth, logger: logger}
}

// RegisterRoutes binds the endpoints to the gin Engine or RouterGroup
func (h *UserHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/api/users", h.auth.RequirePermission(model.PermRequestsRead), h.ListUsers)
}

// ListUsers returns the user directory
// @Summary      List users
// @Description  Directory lookup for additional notify users and ICT officers
// @Tags         users
// @Security     BearerAuth
// @Produce      json
// @Param        role        query     string  false  "Role name"
// @Param        department  query     string  false  "Department (with role)"
// @Param        page        query     int     false  "Page number (default 1)"
// @Param        limit       query     int     false  "Items per page (default 20)"
// @Success      200         {object}  response.Response{data=object}
// @Router       /api/users [get]
func (h *UserHandler) ListUsers(c *gin.Context) {
	p := pagination.Parse(c)

	users, total, err := h.userService.ListUsers(c.Request.Context(), service.UserFilter{
		Role:       c.Query("role"),
		Department: c.Query("department"),
		Page:       p.Page,
		Limit:      p.Limit,
	})
	if err != nil {
		respond(c, h.logger, http.StatusOK, nil, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, p.Wrap("users", users, total)))
}
