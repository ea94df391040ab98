package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Block sources.
const (
	BlockSourceManual           = "manual"
	BlockSourceRuleBased        = "rule_based"
	BlockSourceProactive        = "proactive"
	BlockSourceFail2ban         = "fail2ban"
	BlockSourceAnomalyDetection = "anomaly_detection"
)

// Sync states for blocks that originated in an external threshold tool.
const (
	SyncStatusNone    = ""
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// IPBlock is the authoritative record of a block. At most one row per address may have
// IsActive set; the database enforces it with a partial unique index.
type IPBlock struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	UUID            string     `json:"uuid" gorm:"uniqueIndex"`
	IPAddress       string     `json:"ip_address" gorm:"not null;index"`
	Reason          string     `json:"reason" gorm:"type:text"`
	Source          string     `json:"source" gorm:"index"` // manual, rule_based, proactive, fail2ban, anomaly_detection
	IsActive        bool       `json:"is_active" gorm:"index"`
	BlockedAt       time.Time  `json:"blocked_at"`
	UnblockAt       *time.Time `json:"unblock_at" gorm:"index"` // nil = permanent
	AutoUnblock     bool       `json:"auto_unblock"`
	BlockingRuleID  *uint      `json:"blocking_rule_id" gorm:"index"`
	TriggerEventID  *uint      `json:"trigger_event_id"`
	AgentID         *uint      `json:"agent_id" gorm:"index"`
	ThreatScore     *int       `json:"threat_score"`
	EscalationCount int        `json:"escalation_count"`
	DurationMinutes int        `json:"duration_minutes"`
	CreatedBy       string     `json:"created_by"`

	UnblockedAt   *time.Time `json:"unblocked_at"`
	UnblockReason string     `json:"unblock_reason" gorm:"type:text"`
	UnblockedBy   string     `json:"unblocked_by"`
	SyncStatus    string     `json:"sync_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IPBlock) TableName() string { return "ip_blocks" }

func (b *IPBlock) BeforeCreate(tx *gorm.DB) (err error) {
	if b.UUID == "" {
		b.UUID = uuid.New().String()
	}
	return
}

// IsPermanent reports whether the block has no scheduled unblock time.
func (b *IPBlock) IsPermanent() bool {
	return b.UnblockAt == nil
}

// Blocking action types.
const (
	ActionBlocked    = "blocked"
	ActionUnblocked  = "unblocked"
	ActionExpired    = "expired"
	ActionReconciled = "reconciled"
)

// Blocking action sources.
const (
	ActionSourceRule      = "rule"
	ActionSourceManual    = "manual"
	ActionSourceProactive = "proactive"
	ActionSourceSystem    = "system"
	ActionSourceExpiry    = "expiry"
	ActionSourceExternal  = "external"
)

// BlockingAction is an append-only audit entry for every block transition.
type BlockingAction struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UUID         string    `json:"uuid" gorm:"uniqueIndex"`
	IPBlockID    *uint     `json:"ip_block_id" gorm:"index"`
	IPAddress    string    `json:"ip_address" gorm:"index"`
	ActionType   string    `json:"action_type"`   // blocked, unblocked, expired, reconciled
	ActionSource string    `json:"action_source"` // rule, manual, proactive, system, expiry, external
	Reason       string    `json:"reason" gorm:"type:text"`
	PerformedBy  string    `json:"performed_by"`
	RuleID       *uint     `json:"rule_id"`
	Details      string    `json:"details" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

func (BlockingAction) TableName() string { return "blocking_actions" }

func (a *BlockingAction) BeforeCreate(tx *gorm.DB) (err error) {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	return
}
