package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/models"
)

// failureTypes are the outcomes that count as a failed attempt.
var failureTypes = []string{models.EventTypeFailed, models.EventTypeInvalidUser}

// BehaviorCounters summarizes recent activity from one address.
type BehaviorCounters struct {
	Failed            int64 `json:"failed"`
	Successful        int64 `json:"successful"`
	DistinctUsernames int64 `json:"distinct_usernames"`
	RootAttempts      int64 `json:"root_attempts"`
	DistinctServers   int64 `json:"distinct_servers"`
}

// History answers the event-history questions asked by the scorer, the detectors and
// the rule engine. All windows are half-open: [since, until).
type History struct {
	db *gorm.DB
}

// NewHistory returns a History over the auth_events table.
func NewHistory(db *gorm.DB) *History {
	return &History{db: db}
}

func (h *History) window(ctx context.Context, address string, since, until time.Time) *gorm.DB {
	return h.db.WithContext(ctx).Model(&models.AuthEvent{}).
		Where("source_ip = ? AND timestamp >= ? AND timestamp < ?", address, since, until)
}

// Counters aggregates behavior for address over [since, until).
func (h *History) Counters(ctx context.Context, address string, since, until time.Time) (BehaviorCounters, error) {
	var c BehaviorCounters
	if err := h.window(ctx, address, since, until).Where("event_type IN ?", failureTypes).Count(&c.Failed).Error; err != nil {
		return c, err
	}
	if err := h.window(ctx, address, since, until).Where("event_type = ?", models.EventTypeSuccessful).Count(&c.Successful).Error; err != nil {
		return c, err
	}
	if err := h.window(ctx, address, since, until).Distinct("target_username").Count(&c.DistinctUsernames).Error; err != nil {
		return c, err
	}
	if err := h.window(ctx, address, since, until).Where("target_username = ?", "root").Count(&c.RootAttempts).Error; err != nil {
		return c, err
	}
	if err := h.window(ctx, address, since, until).Where("target_server <> ''").Distinct("target_server").Count(&c.DistinctServers).Error; err != nil {
		return c, err
	}
	return c, nil
}

// CountEvents counts events of the given outcomes; no outcomes means failures.
func (h *History) CountEvents(ctx context.Context, address string, eventTypes []string, since, until time.Time) (int64, error) {
	if len(eventTypes) == 0 {
		eventTypes = failureTypes
	}
	var n int64
	err := h.window(ctx, address, since, until).Where("event_type IN ?", eventTypes).Count(&n).Error
	return n, err
}

// DistinctServers counts the distinct target servers contacted by address.
func (h *History) DistinctServers(ctx context.Context, address string, since, until time.Time) (int64, error) {
	var n int64
	err := h.window(ctx, address, since, until).Where("target_server <> ''").Distinct("target_server").Count(&n).Error
	return n, err
}

// SuccessfulLoginsElsewhere returns successful logins for username from any address
// other than address, newest first.
func (h *History) SuccessfulLoginsElsewhere(ctx context.Context, username, address string, since, until time.Time) ([]models.AuthEvent, error) {
	var events []models.AuthEvent
	err := h.db.WithContext(ctx).
		Where("target_username = ? AND source_ip <> ? AND event_type = ?", username, address, models.EventTypeSuccessful).
		Where("timestamp >= ? AND timestamp <= ?", since, until).
		Order("timestamp desc").
		Limit(50).
		Find(&events).Error
	return events, err
}

// LatestEvent returns the newest event from address, nil when there is none.
func (h *History) LatestEvent(ctx context.Context, address string) (*models.AuthEvent, error) {
	var events []models.AuthEvent
	if err := h.db.WithContext(ctx).Where("source_ip = ?", address).Order("timestamp desc").Order("id desc").Limit(1).Find(&events).Error; err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// LatestModelScore returns the newest ML score recorded for address since the given
// time, nil when the address was never scored.
func (h *History) LatestModelScore(ctx context.Context, address string, since time.Time) (*models.AuthEvent, error) {
	var events []models.AuthEvent
	if err := h.db.WithContext(ctx).
		Where("source_ip = ? AND ml_risk_score IS NOT NULL AND timestamp >= ?", address, since).
		Order("timestamp desc").Limit(1).Find(&events).Error; err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}
