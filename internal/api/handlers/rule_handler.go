package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

type RuleHandler struct {
	rules *services.RuleEngine
}

func NewRuleHandler(rules *services.RuleEngine) *RuleHandler {
	return &RuleHandler{rules: rules}
}

func (h *RuleHandler) List(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// Save creates or replaces a rule by name after validating its conditions.
func (h *RuleHandler) Save(c *gin.Context) {
	var rule models.BlockingRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = 0
	rule.TimesTriggered = 0
	rule.LastTriggeredAt = nil
	if err := h.rules.SaveRule(c.Request.Context(), &rule); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Evaluate runs every enabled rule against an address without blocking.
func (h *RuleHandler) Evaluate(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}
	results, err := h.rules.EvaluateRules(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": address, "results": results})
}
