package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/engine"
	"github.com/Wikid82/warden/internal/services"
)

// respondError maps engine errors to HTTP statuses. Store failures are logged and
// reported without detail.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrRuleMalformed),
		errors.Is(err, engine.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotBlocked),
		errors.Is(err, services.ErrAgentUnknown),
		errors.Is(err, services.ErrCommandNotFound),
		errors.Is(err, services.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		middleware.GetRequestLogger(c).WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// addressParam reads and normalizes the :ip path parameter, writing a 400 when it is
// not an address.
func addressParam(c *gin.Context) (string, bool) {
	address, ok := normalize(c.Param("ip"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidAddress.Error()})
	}
	return address, ok
}
