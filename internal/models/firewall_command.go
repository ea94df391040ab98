package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Firewall command types.
const (
	CommandDeny       = "deny"
	CommandDeleteDeny = "delete-deny"
)

// Firewall command states. Agents move commands past pending.
const (
	CommandPending   = "pending"
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

// FirewallCommand is a queued instruction for one agent. UUID doubles as the
// correlation id reported back by the agent.
type FirewallCommand struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UUID        string     `json:"uuid" gorm:"uniqueIndex"`
	AgentID     uint       `json:"agent_id" gorm:"not null;index:idx_fw_cmd_agent_status,priority:1"`
	CommandType string     `json:"command_type"` // deny, delete-deny
	IPAddress   string     `json:"ip_address" gorm:"index"`
	Status      string     `json:"status" gorm:"index:idx_fw_cmd_agent_status,priority:2"`
	IPBlockID   *uint      `json:"ip_block_id" gorm:"index"`
	Result      string     `json:"result" gorm:"type:text"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (c *FirewallCommand) BeforeCreate(tx *gorm.DB) (err error) {
	if c.UUID == "" {
		c.UUID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	return
}
