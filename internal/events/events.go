// Package events publishes engine output (firewall commands and alerts) to a message
// bus so agents and downstream consumers can react without polling the store.
package events

import (
	"context"
	"time"
)

// CommandMessage mirrors a queued firewall command row.
type CommandMessage struct {
	CorrelationID string    `json:"correlation_id"`
	AgentID       uint      `json:"agent_id"`
	Type          string    `json:"type"` // deny, delete-deny
	Address       string    `json:"address"`
	BlockID       *uint     `json:"block_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertMessage is the structured notification for a block or alert decision.
type AlertMessage struct {
	EventType string    `json:"event_type"` // block, alert, reconcile
	Address   string    `json:"address"`
	Score     int       `json:"score"`
	RiskLevel string    `json:"risk_level,omitempty"`
	Factors   []string  `json:"factors,omitempty"`
	Action    string    `json:"action"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Publisher delivers engine output. Implementations must not block on delivery.
type Publisher interface {
	PublishCommands(ctx context.Context, cmds []CommandMessage) error
	PublishAlert(ctx context.Context, alert AlertMessage) error
	Close() error
}

// NoopPublisher discards everything; used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishCommands(context.Context, []CommandMessage) error { return nil }
func (NoopPublisher) PublishAlert(context.Context, AlertMessage) error        { return nil }
func (NoopPublisher) Close() error                                            { return nil }
