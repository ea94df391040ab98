package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agent is a remote host that ships auth events and applies firewall commands.
type Agent struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	UUID          string     `json:"uuid" gorm:"uniqueIndex"`
	Hostname      string     `json:"hostname" gorm:"index"`
	IPAddress     string     `json:"ip_address"`
	IsActive      bool       `json:"is_active" gorm:"index"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (a *Agent) BeforeCreate(tx *gorm.DB) (err error) {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	return
}

// AgentFirewallRule is one deny entry an agent reported as present in its firewall.
// The set of rows for an agent is replaced wholesale on every report.
type AgentFirewallRule struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	AgentID    uint      `json:"agent_id" gorm:"not null;uniqueIndex:idx_agent_fw_rule,priority:1"`
	IPAddress  string    `json:"ip_address" gorm:"not null;uniqueIndex:idx_agent_fw_rule,priority:2"`
	Action     string    `json:"action" gorm:"default:deny"`
	ReportedAt time.Time `json:"reported_at" gorm:"index"`
}

// AgentFirewallReport records when an agent last reported its full deny set, so an
// empty set can be told apart from "never reported".
type AgentFirewallReport struct {
	AgentID    uint      `json:"agent_id" gorm:"primaryKey;autoIncrement:false"`
	RuleCount  int       `json:"rule_count"`
	ReportedAt time.Time `json:"reported_at"`
}
