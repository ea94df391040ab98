package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/engine"
)

const testSecret = "handler-test-secret"

type testAPI struct {
	router *gin.Engine
	c      *engine.Components
}

// setupAPI mounts every handler on a fresh in-memory store. An empty secret leaves
// agent authentication unconfigured.
func setupAPI(t *testing.T, secret string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	c := engine.Wire(db, config.DefaultEngineConfig(), nil, nil)
	agentCfg := config.AgentConfig{JWTSecret: secret}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.GET("/health", NewHealthHandler(db).Check)

	threats := NewThreatHandler(c.Scorer, c.Classifier, c.Engine)
	r.POST("/evaluate", threats.Evaluate)
	r.POST("/classify", threats.Classify)

	rules := NewRuleHandler(c.Rules)
	r.GET("/rules", rules.List)
	r.PUT("/rules", rules.Save)
	r.POST("/rules/evaluate/:ip", rules.Evaluate)

	blocks := NewBlockHandler(c.Blocks, c.Rules)
	r.GET("/blocks", blocks.List)
	r.POST("/blocks", blocks.Create)
	r.POST("/blocks/sweep", blocks.Sweep)
	r.POST("/blocks/check/:ip", blocks.Check)
	r.DELETE("/blocks/:ip", blocks.Delete)
	r.GET("/blocks/:ip/history", blocks.History)

	r.POST("/reconcile", NewReconcileHandler(c.Reconcile).Reconcile)

	notifications := NewNotificationHandler(c.Notifications)
	r.GET("/notifications", notifications.List)
	r.POST("/notifications/read-all", notifications.MarkAllAsRead)
	r.POST("/notifications/:id/read", notifications.MarkAsRead)

	providers := NewNotificationProviderHandler(c.Notifications)
	r.GET("/providers", providers.List)
	r.POST("/providers", providers.Create)
	r.PUT("/providers/:id", providers.Update)
	r.DELETE("/providers/:id", providers.Delete)

	agents := NewAgentHandler(c.Agents, agentCfg)
	r.POST("/agents", agents.Register)
	ag := r.Group("/agent", middleware.AgentAuth(secret, c.Agents))
	ag.POST("/events", threats.Ingest)
	ag.GET("/commands", agents.Commands)
	ag.POST("/commands/:uuid/result", agents.CommandResult)
	ag.PUT("/firewall-state", agents.FirewallState)
	ag.POST("/heartbeat", agents.Heartbeat)

	return &testAPI{router: r, c: c}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
