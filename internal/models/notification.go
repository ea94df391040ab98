package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTypeInfo     NotificationType = "info"
	NotificationTypeWarning  NotificationType = "warning"
	NotificationTypeError    NotificationType = "error"
	NotificationTypeCritical NotificationType = "critical"
)

// Notification is a persisted alert surfaced to administrators.
type Notification struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	Type      NotificationType `json:"type"`
	EventType string           `json:"event_type" gorm:"index"` // block, alert, reconcile
	IPAddress string           `json:"ip_address" gorm:"index"`
	Score     int              `json:"score"`
	Title     string           `json:"title"`
	Message   string           `json:"message" gorm:"type:text"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}
