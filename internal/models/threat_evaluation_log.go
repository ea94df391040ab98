package models

import (
	"time"

	"gorm.io/datatypes"
)

// ThreatEvaluationLog keeps each composite score for audit. It is never read back by
// the engine.
type ThreatEvaluationLog struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	IPAddress         string         `json:"ip_address" gorm:"index"`
	EventID           *uint          `json:"event_id"`
	CompositeScore    int            `json:"composite_score"`
	RiskLevel         string         `json:"risk_level" gorm:"index"`
	RecommendedAction string         `json:"recommended_action"`
	Confidence        float64        `json:"confidence"`
	Components        datatypes.JSON `json:"components"`
	Factors           datatypes.JSON `json:"factors"`
	StaleEnrichment   bool           `json:"stale_enrichment"`
	CreatedAt         time.Time      `json:"created_at" gorm:"index"`
}
