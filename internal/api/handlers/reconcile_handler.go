package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

type ReconcileHandler struct {
	reconcile *services.ReconciliationService
}

func NewReconcileHandler(reconcile *services.ReconciliationService) *ReconcileHandler {
	return &ReconcileHandler{reconcile: reconcile}
}

// Reconcile runs reconciliation for ?agent_id=N, or for every agent.
func (h *ReconcileHandler) Reconcile(c *gin.Context) {
	var agentID *uint
	if raw := c.Query("agent_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id must be a positive integer"})
			return
		}
		v := uint(id)
		agentID = &v
	}
	report, err := h.reconcile.Reconcile(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
