package handler

import (
	"net/http"
	"time"

	"ictaccess/internal/middleware"
	"ictaccess/internal/model"
	"ictaccess/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type StatisticsHandler struct {
	statisticsService service.StatisticsService
	auth              *middleware.Auth
	logger            *logrus.Logger
}

func NewStatisticsHandler(statisticsService service.StatisticsService, auth *middleware.Auth, logger *logrus.Logger) *StatisticsHandler {
	return &StatisticsHandler{statisticsService: statisticsService, auth: auth, logger: logger}
}

func (h *StatisticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	statsGroup := router.Group("/api/statistics")
	{
		statsGroup.GET("", h.auth.RequirePermission(model.PermAuditRead), h.GetStatistics)
	}
}

// @Summary      Get request statistics
// @Description  Request counts per type and status, SMS outcomes and the open backlog per stage
// @Tags         statistics
// @Produce      json
// @Param        start_date query string false "Start Date (RFC3339), default first day of the month"
// @Param        end_date   query string false "End Date (RFC3339), default now"
// @Success      200 {object} response.Response{data=model.RequestStatistics}
// @Failure      400 {object} response.Response "Invalid date format"
// @Security     BearerAuth
// @Router       /api/statistics [get]
func (h *StatisticsHandler) GetStatistics(c *gin.Context) {
	now := time.Now()
	startDate := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	endDate := now

	if v := c.Query("start_date"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "invalid start_date format, expected RFC3339")
			return
		}
		startDate = parsed
	}
	if v := c.Query("end_date"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "invalid end_date format, expected RFC3339")
			return
		}
		endDate = parsed
	}

	stats, err := h.statisticsService.GetStatistics(c.Request.Context(), startDate, endDate)
	respond(c, h.logger, http.StatusOK, stats, err)
}
