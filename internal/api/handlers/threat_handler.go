package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/engine"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/util"
)

var normalize = util.NormalizeIP

// ThreatHandler exposes scoring, classification and event ingestion.
type ThreatHandler struct {
	scorer     *services.ThreatScorer
	classifier *services.ProactiveClassifier
	engine     *engine.Engine
}

func NewThreatHandler(scorer *services.ThreatScorer, classifier *services.ProactiveClassifier, eng *engine.Engine) *ThreatHandler {
	return &ThreatHandler{scorer: scorer, classifier: classifier, engine: eng}
}

// eventRequest is an auth event as posted by a client or an agent.
type eventRequest struct {
	SourceIP       string     `json:"source_ip" binding:"required"`
	TargetUsername string     `json:"target_username"`
	TargetServer   string     `json:"target_server"`
	EventType      string     `json:"event_type" binding:"required,oneof=failed successful invalid_user"`
	Timestamp      *time.Time `json:"timestamp"`
	MLRiskScore    *int       `json:"ml_risk_score" binding:"omitempty,gte=0,lte=100"`
	IsAnomaly      bool       `json:"is_anomaly"`
}

func (r eventRequest) model() *models.AuthEvent {
	ev := &models.AuthEvent{
		SourceIP:       r.SourceIP,
		TargetUsername: r.TargetUsername,
		TargetServer:   r.TargetServer,
		EventType:      r.EventType,
		MLRiskScore:    r.MLRiskScore,
		IsAnomaly:      r.IsAnomaly,
	}
	if r.Timestamp != nil {
		ev.Timestamp = *r.Timestamp
	}
	return ev
}

type evaluateRequest struct {
	IP    string        `json:"ip" binding:"required"`
	Event *eventRequest `json:"event"`
}

// Evaluate returns the composite threat evaluation for an address.
func (h *ThreatHandler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	address, ok := normalize(req.IP)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidAddress.Error()})
		return
	}
	var ev *services.EventContext
	if req.Event != nil {
		ev = services.EventContextFrom(req.Event.model())
	}
	c.JSON(http.StatusOK, h.scorer.Evaluate(c.Request.Context(), address, ev))
}

// Classify returns the proactive decision for an event without acting on it.
func (h *ThreatHandler) Classify(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := req.model()
	if address, ok := normalize(ev.SourceIP); ok {
		ev.SourceIP = address
	}
	c.JSON(http.StatusOK, h.classifier.Classify(c.Request.Context(), ev))
}

// Ingest stores an event and runs the rule and proactive paths on it.
func (h *ThreatHandler) Ingest(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := req.model()
	if agent, ok := middleware.CurrentAgent(c); ok {
		ev.AgentID = &agent.ID
		if ev.TargetServer == "" {
			ev.TargetServer = agent.Hostname
		}
	}
	out, err := h.engine.Ingest(c.Request.Context(), ev)
	if out == nil {
		respondError(c, err)
		return
	}
	if err != nil {
		// The event is stored; one of the decision paths failed.
		middleware.GetRequestLogger(c).WithError(err).Warn("event processed with errors")
	}
	c.JSON(http.StatusCreated, out)
}
