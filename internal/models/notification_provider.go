package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is an external delivery target reached through shoutrrr.
type NotificationProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // discord, slack, gotify, telegram, generic
	URL     string `json:"url"`  // shoutrrr URL
	Enabled bool   `json:"enabled"`

	// Notification Preferences
	NotifyBlocks    bool `json:"notify_blocks" gorm:"default:true"`
	NotifyAlerts    bool `json:"notify_alerts" gorm:"default:true"`
	NotifyReconcile bool `json:"notify_reconcile" gorm:"default:true"`
	MinScore        int  `json:"min_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}

// Wants reports whether the provider subscribed to the given event type.
func (n *NotificationProvider) Wants(eventType string) bool {
	switch eventType {
	case "block":
		return n.NotifyBlocks
	case "alert":
		return n.NotifyAlerts
	case "reconcile":
		return n.NotifyReconcile
	case "test":
		return true
	default:
		return false
	}
}
