package models

import (
	"time"

	"gorm.io/datatypes"
)

// Rule types understood by the rule engine.
const (
	RuleTypeBruteForce          = "brute_force"
	RuleTypeReputationThreshold = "reputation_threshold"
	RuleTypeCombo               = "combo"
	RuleTypeHighRiskCountry     = "high_risk_country"
	RuleTypeRepeatOffender      = "repeat_offender"
)

// BlockingRule is an administrator-defined blocking policy. Conditions are stored as
// JSON and decoded into a typed condition per RuleType when rules are loaded.
type BlockingRule struct {
	ID                   uint           `json:"id" gorm:"primaryKey"`
	Name                 string         `json:"name" gorm:"uniqueIndex;not null"`
	Description          string         `json:"description" gorm:"type:text"`
	RuleType             string         `json:"rule_type" gorm:"index;not null"`
	IsEnabled            bool           `json:"is_enabled" gorm:"index"`
	Priority             int            `json:"priority" gorm:"index"`
	Conditions           datatypes.JSON `json:"conditions"`
	BlockDurationMinutes int            `json:"block_duration_minutes"` // 0 = permanent
	AutoUnblock          bool           `json:"auto_unblock"`
	NotifyOnTrigger      bool           `json:"notify_on_trigger"`
	TimesTriggered       int            `json:"times_triggered"`
	LastTriggeredAt      *time.Time     `json:"last_triggered_at"`
	CreatedBy            string         `json:"created_by"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (BlockingRule) TableName() string { return "blocking_rules" }

// BaseDuration returns the configured block duration; zero means permanent.
func (r *BlockingRule) BaseDuration() time.Duration {
	return time.Duration(r.BlockDurationMinutes) * time.Minute
}
