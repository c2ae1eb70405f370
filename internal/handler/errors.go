package handler

import (
	"errors"
	"net/http"

	"ictaccess/internal/policy"
	"ictaccess/internal/service"
	"ictaccess/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// statusFor maps the workflow error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRequestNotFound), errors.Is(err, service.ErrAssignmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidDecision),
		errors.Is(err, service.ErrCommentsRequired),
		errors.Is(err, service.ErrInvalidOfficer),
		errors.Is(err, policy.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStaleStage),
		errors.Is(err, service.ErrChainClosed),
		errors.Is(err, service.ErrActiveAssignmentExists),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrNotAwaitingImplementation),
		errors.Is(err, service.ErrOfficerAtCapacity):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respond writes data on success, a noop marker for AlreadyDecided and
// AlreadyTerminal, and the mapped error otherwise.
func respond(c *gin.Context, logger *logrus.Logger, successCode int, data interface{}, err error) {
	if err == nil {
		c.JSON(successCode, response.Success(successCode, data))
		return
	}
	if service.IsNoop(err) {
		c.JSON(http.StatusOK, response.Noop(http.StatusOK, data, err.Error()))
		return
	}

	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{
			"path":   c.FullPath(),
			"method": c.Request.Method,
			"error":  err.Error(),
		}).Error("Request failed")
		c.JSON(code, response.Error(code, "Internal server error"))
		return
	}
	c.JSON(code, response.Error(code, err.Error()))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, msg))
}
