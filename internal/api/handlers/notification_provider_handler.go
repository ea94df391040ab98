package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

type NotificationProviderHandler struct {
	service *services.NotificationService
}

func NewNotificationProviderHandler(service *services.NotificationService) *NotificationProviderHandler {
	return &NotificationProviderHandler{service: service}
}

// providerRequest carries the editable provider fields. Preferences are pointers so an
// omitted flag keeps its default of true.
type providerRequest struct {
	Name            string `json:"name" binding:"required"`
	Type            string `json:"type" binding:"required,oneof=discord slack gotify telegram generic"`
	URL             string `json:"url" binding:"required"`
	Enabled         bool   `json:"enabled"`
	NotifyBlocks    *bool  `json:"notify_blocks"`
	NotifyAlerts    *bool  `json:"notify_alerts"`
	NotifyReconcile *bool  `json:"notify_reconcile"`
	MinScore        int    `json:"min_score" binding:"gte=0,lte=100"`
}

func (r providerRequest) apply(p *models.NotificationProvider) {
	p.Name = r.Name
	p.Type = r.Type
	p.URL = r.URL
	p.Enabled = r.Enabled
	p.MinScore = r.MinScore
	p.NotifyBlocks = r.NotifyBlocks == nil || *r.NotifyBlocks
	p.NotifyAlerts = r.NotifyAlerts == nil || *r.NotifyAlerts
	p.NotifyReconcile = r.NotifyReconcile == nil || *r.NotifyReconcile
}

func (h *NotificationProviderHandler) List(c *gin.Context) {
	providers, err := h.service.ListProviders()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (h *NotificationProviderHandler) Create(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var provider models.NotificationProvider
	req.apply(&provider)
	if err := h.service.CreateProvider(&provider); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, provider)
}

func (h *NotificationProviderHandler) Update(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider := models.NotificationProvider{ID: c.Param("id")}
	req.apply(&provider)
	if err := h.service.UpdateProvider(&provider); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

func (h *NotificationProviderHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteProvider(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}

// Test sends a test message through the posted provider without saving it.
func (h *NotificationProviderHandler) Test(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var provider models.NotificationProvider
	req.apply(&provider)
	if err := h.service.TestProvider(provider); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}
