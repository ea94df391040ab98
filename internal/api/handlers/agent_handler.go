package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/services"
)

const maxCommandBatch = 500

// AgentHandler serves agent registration and the endpoints agents call with their
// bearer token.
type AgentHandler struct {
	agents   *services.AgentService
	secret   string
	tokenTTL time.Duration
}

func NewAgentHandler(agents *services.AgentService, cfg config.AgentConfig) *AgentHandler {
	return &AgentHandler{agents: agents, secret: cfg.JWTSecret, tokenTTL: cfg.TokenTTL}
}

type registerAgentRequest struct {
	Hostname  string `json:"hostname" binding:"required"`
	IPAddress string `json:"ip_address"`
}

// Register creates or reactivates an agent and issues its token.
func (h *AgentHandler) Register(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent authentication not configured"})
		return
	}
	agent, err := h.agents.Register(c.Request.Context(), req.Hostname, req.IPAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	token, err := middleware.IssueAgentToken(h.secret, agent, h.tokenTTL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent, "token": token})
}

// Commands hands the calling agent its pending firewall commands.
func (h *AgentHandler) Commands(c *gin.Context) {
	agent, _ := middleware.CurrentAgent(c)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	cmds, err := h.agents.PendingCommands(c.Request.Context(), agent, min(limit, maxCommandBatch))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmds)
}

type commandResultRequest struct {
	Success *bool  `json:"success" binding:"required"`
	Result  string `json:"result"`
}

// CommandResult records the outcome of a command identified by its correlation id.
func (h *AgentHandler) CommandResult(c *gin.Context) {
	agent, _ := middleware.CurrentAgent(c)
	var req commandResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := h.agents.CompleteCommand(c.Request.Context(), agent, c.Param("uuid"), *req.Success, req.Result)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

type firewallStateRequest struct {
	Addresses []string `json:"addresses" binding:"required"`
}

// FirewallState replaces the agent's reported deny set. An empty list is a valid
// report meaning the firewall denies nothing.
func (h *AgentHandler) FirewallState(c *gin.Context) {
	agent, _ := middleware.CurrentAgent(c)
	var req firewallStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.agents.ReportFirewallState(c.Request.Context(), agent, req.Addresses); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Addresses)})
}

func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agent, _ := middleware.CurrentAgent(c)
	if err := h.agents.Heartbeat(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent": agent.UUID})
}
