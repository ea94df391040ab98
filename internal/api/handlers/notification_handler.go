package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

// NotificationHandler serves the stored alert inbox.
type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List accepts ?unread=true, ?ip=, ?event_type= and ?limit= filters.
func (h *NotificationHandler) List(c *gin.Context) {
	filter := services.NotificationFilter{
		UnreadOnly: c.Query("unread") == "true",
		EventType:  c.Query("event_type"),
		Limit:      defaultListLimit,
	}
	if raw := c.Query("ip"); raw != "" {
		address, ok := normalize(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidAddress.Error()})
			return
		}
		filter.Address = address
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	notifications, err := h.service.List(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	if err := h.service.MarkAsRead(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "read": true})
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	n, err := h.service.MarkAllAsRead()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}
