package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Authentication outcomes reported by agents.
const (
	EventTypeFailed      = "failed"
	EventTypeSuccessful  = "successful"
	EventTypeInvalidUser = "invalid_user"
)

// AuthEvent is one SSH authentication attempt as shipped by an agent. The ingestion
// pipeline owns these rows; the engine only reads them.
type AuthEvent struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UUID           string    `json:"uuid" gorm:"uniqueIndex"`
	AgentID        *uint     `json:"agent_id" gorm:"index"`
	SourceIP       string    `json:"source_ip" gorm:"not null;index:idx_auth_events_ip_time,priority:1"`
	TargetUsername string    `json:"target_username" gorm:"index"`
	TargetServer   string    `json:"target_server"`
	EventType      string    `json:"event_type" gorm:"index"` // failed, successful, invalid_user
	Timestamp      time.Time `json:"timestamp" gorm:"index:idx_auth_events_ip_time,priority:2"`

	// Output of the external ML pipeline, nil when the event was never scored.
	MLRiskScore  *int     `json:"ml_risk_score"`
	MLConfidence *float64 `json:"ml_confidence"`
	IsAnomaly    bool     `json:"is_anomaly"`

	CreatedAt time.Time `json:"created_at"`
}

func (AuthEvent) TableName() string { return "auth_events" }

func (e *AuthEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return
}

// IsFailure reports whether the attempt did not authenticate.
func (e *AuthEvent) IsFailure() bool {
	return e.EventType == EventTypeFailed || e.EventType == EventTypeInvalidUser
}

// IsSuccess reports whether the attempt authenticated.
func (e *AuthEvent) IsSuccess() bool {
	return e.EventType == EventTypeSuccessful
}
