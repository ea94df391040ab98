package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

const defaultListLimit = 100

type BlockHandler struct {
	blocks *services.BlockService
	rules  *services.RuleEngine
}

func NewBlockHandler(blocks *services.BlockService, rules *services.RuleEngine) *BlockHandler {
	return &BlockHandler{blocks: blocks, rules: rules}
}

func (h *BlockHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	activeOnly := c.Query("active") == "true"
	blocks, err := h.blocks.List(c.Request.Context(), activeOnly, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocks)
}

type createBlockRequest struct {
	IP              string `json:"ip" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	DurationMinutes int    `json:"duration_minutes" binding:"gte=0"`
	AutoUnblock     bool   `json:"auto_unblock"`
	AgentID         *uint  `json:"agent_id"`
	CreatedBy       string `json:"created_by"`
}

// Create places a manual block. Repeat offenses escalate the requested duration.
func (h *BlockHandler) Create(c *gin.Context) {
	var req createBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "api"
	}
	res, err := h.blocks.Block(c.Request.Context(), services.BlockRequest{
		Address:     req.IP,
		Reason:      req.Reason,
		Source:      models.BlockSourceManual,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		AutoUnblock: req.AutoUnblock,
		AgentID:     req.AgentID,
		CreatedBy:   createdBy,
	})
	if errors.Is(err, services.ErrAlreadyBlocked) && res != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "block": res.Block})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Delete releases the active block for :ip.
func (h *BlockHandler) Delete(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}
	reason := c.DefaultQuery("reason", "manual unblock")
	actor := c.DefaultQuery("actor", "api")
	res, err := h.blocks.Unblock(c.Request.Context(), address, reason, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Check evaluates the rules for :ip and blocks on the first trigger.
func (h *BlockHandler) Check(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}
	res, err := h.rules.CheckAndBlock(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BlockHandler) History(c *gin.Context) {
	address, ok := addressParam(c)
	if !ok {
		return
	}
	actions, err := h.blocks.History(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, actions)
}

// Sweep releases every auto-unblock block that has expired.
func (h *BlockHandler) Sweep(c *gin.Context) {
	n, err := h.blocks.SweepExpired(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": n})
}
