package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/handlers"
	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/engine"
)

// Register wires up the admin and agent API routes.
func Register(router *gin.Engine, c *engine.Components, cfg config.Config) {
	healthHandler := handlers.NewHealthHandler(c.DB)
	router.GET("/api/v1/health", healthHandler.Check)

	api := router.Group("/api/v1")

	threatHandler := handlers.NewThreatHandler(c.Scorer, c.Classifier, c.Engine)
	api.POST("/evaluate", threatHandler.Evaluate)
	api.POST("/classify", threatHandler.Classify)

	ruleHandler := handlers.NewRuleHandler(c.Rules)
	api.GET("/rules", ruleHandler.List)
	api.PUT("/rules", ruleHandler.Save)
	api.POST("/rules/evaluate/:ip", ruleHandler.Evaluate)

	blockHandler := handlers.NewBlockHandler(c.Blocks, c.Rules)
	api.GET("/blocks", blockHandler.List)
	api.POST("/blocks", blockHandler.Create)
	api.POST("/blocks/sweep", blockHandler.Sweep)
	api.POST("/blocks/check/:ip", blockHandler.Check)
	api.DELETE("/blocks/:ip", blockHandler.Delete)
	api.GET("/blocks/:ip/history", blockHandler.History)

	reconcileHandler := handlers.NewReconcileHandler(c.Reconcile)
	api.POST("/reconcile", reconcileHandler.Reconcile)

	notificationHandler := handlers.NewNotificationHandler(c.Notifications)
	api.GET("/notifications", notificationHandler.List)
	api.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
	api.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

	providerHandler := handlers.NewNotificationProviderHandler(c.Notifications)
	api.GET("/notifications/providers", providerHandler.List)
	api.POST("/notifications/providers", providerHandler.Create)
	api.PUT("/notifications/providers/:id", providerHandler.Update)
	api.DELETE("/notifications/providers/:id", providerHandler.Delete)
	api.POST("/notifications/providers/test", providerHandler.Test)

	agentHandler := handlers.NewAgentHandler(c.Agents, cfg.Agent)
	api.POST("/agents", agentHandler.Register)

	// Everything an agent calls is authenticated with its bearer token.
	agent := api.Group("/agent")
	agent.Use(middleware.AgentAuth(cfg.Agent.JWTSecret, c.Agents))
	agent.POST("/events", threatHandler.Ingest)
	agent.GET("/commands", agentHandler.Commands)
	agent.POST("/commands/:uuid/result", agentHandler.CommandResult)
	agent.PUT("/firewall-state", agentHandler.FirewallState)
	agent.POST("/heartbeat", agentHandler.Heartbeat)
}
