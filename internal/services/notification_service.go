package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/events"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
)

// Notification event types, matching the provider preferences.
const (
	EventBlock     = "block"
	EventAlert     = "alert"
	EventReconcile = "reconcile"
)

// Alert is the structured notification emitted for blocks, alerts and reconciliation.
type Alert struct {
	EventType string
	Address   string
	Score     int
	RiskLevel string
	Factors   []string
	Action    string
	Title     string
	Message   string
}

// Notifier receives engine alerts. Delivery must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

type NotificationService struct {
	DB        *gorm.DB
	publisher events.Publisher
	send      func(url, message string) error

	mu       sync.Mutex
	limiters map[string]*throttle
	every    time.Duration
	burst    int
	now      func() time.Time
}

type throttle struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewNotificationService returns a service that persists alerts, fans them out to
// shoutrrr providers and publishes them on the bus. publisher may be nil.
func NewNotificationService(db *gorm.DB, publisher events.Publisher) *NotificationService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &NotificationService{
		DB:        db,
		publisher: publisher,
		send:      func(url, message string) error { return shoutrrr.Send(url, message) },
		limiters:  make(map[string]*throttle),
		every:     time.Minute,
		burst:     3,
		now:       time.Now,
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			id := matches[1]
			token := matches[2]
			return fmt.Sprintf("discord://%s@%s", token, id)
		}
	}
	return rawURL
}

// Notify persists the alert, publishes it and sends it to subscribed providers. Alerts
// for the same address and event type are throttled.
func (s *NotificationService) Notify(ctx context.Context, alert Alert) {
	log := logger.Component("notifications", alert.Address)
	if !s.allow(alert.EventType + "|" + alert.Address) {
		log.WithField("event_type", alert.EventType).Debug("notification throttled")
		return
	}

	if _, err := s.create(alert); err != nil {
		log.WithError(err).Warn("failed to persist notification")
	}

	msg := events.AlertMessage{
		EventType: alert.EventType,
		Address:   alert.Address,
		Score:     alert.Score,
		RiskLevel: alert.RiskLevel,
		Factors:   alert.Factors,
		Action:    alert.Action,
		Title:     alert.Title,
		Message:   alert.Message,
		Time:      time.Now(),
	}
	if err := s.publisher.PublishAlert(ctx, msg); err != nil {
		log.WithError(err).Warn("failed to publish alert")
	}

	s.SendExternal(alert)
}

func (s *NotificationService) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t, ok := s.limiters[key]
	if !ok {
		t = &throttle{limiter: rate.NewLimiter(rate.Every(s.every), s.burst)}
		s.limiters[key] = t
	}
	t.lastSeen = now
	return t.limiter.AllowN(now, 1)
}

// Purge forgets throttles idle long enough to have refilled completely, so the map
// does not grow with every address ever seen. It returns how many were dropped.
func (s *NotificationService) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.every * time.Duration(s.burst)
	now := s.now()
	removed := 0
	for key, t := range s.limiters {
		if now.Sub(t.lastSeen) >= idle {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}

func severityFor(alert Alert) models.NotificationType {
	switch {
	case alert.Score >= 80:
		return models.NotificationTypeCritical
	case alert.EventType == EventBlock || alert.Score >= 60:
		return models.NotificationTypeWarning
	}
	return models.NotificationTypeInfo
}

// Internal Notifications (DB)

func (s *NotificationService) create(alert Alert) (*models.Notification, error) {
	n := &models.Notification{
		Type:      severityFor(alert),
		EventType: alert.EventType,
		IPAddress: alert.Address,
		Score:     alert.Score,
		Title:     alert.Title,
		Message:   alert.Message,
	}
	return n, s.DB.Create(n).Error
}

// ErrNotificationNotFound is returned when marking an unknown notification.
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationFilter narrows List. Zero fields match everything.
type NotificationFilter struct {
	UnreadOnly bool
	Address    string
	EventType  string
	Limit      int
}

// List returns stored notifications matching f, newest first.
func (s *NotificationService) List(f NotificationFilter) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if f.UnreadOnly {
		query = query.Where("read = ?", false)
	}
	if f.Address != "" {
		query = query.Where("ip_address = ?", f.Address)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return notifications, nil
}

func (s *NotificationService) MarkAsRead(id string) error {
	res := s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllAsRead marks every unread notification and returns how many changed.
func (s *NotificationService) MarkAllAsRead() (int64, error) {
	res := s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, res.Error)
	}
	return res.RowsAffected, nil
}

// External Notifications (Shoutrrr)

// SendExternal delivers the alert to every enabled provider subscribed to its event
// type whose minimum score it reaches. Delivery runs in the background.
func (s *NotificationService) SendExternal(alert Alert) {
	var providers []models.NotificationProvider
	if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().WithError(err).Warn("failed to fetch notification providers")
		return
	}

	text := formatAlert(alert)
	for _, provider := range providers {
		if !provider.Wants(alert.EventType) || alert.Score < provider.MinScore {
			continue
		}
		go func(p models.NotificationProvider) {
			if err := s.send(normalizeURL(p.Type, p.URL), text); err != nil {
				logger.Log().WithError(err).WithField("provider", p.Name).Warn("failed to send notification")
			}
		}(provider)
	}
}

func formatAlert(alert Alert) string {
	var b strings.Builder
	b.WriteString(alert.Title)
	b.WriteString("\n\n")
	b.WriteString(alert.Message)
	if alert.Score > 0 {
		fmt.Fprintf(&b, "\nScore: %d", alert.Score)
		if alert.RiskLevel != "" {
			fmt.Fprintf(&b, " (%s)", alert.RiskLevel)
		}
	}
	if len(alert.Factors) > 0 {
		fmt.Fprintf(&b, "\nFactors: %s", strings.Join(alert.Factors, ", "))
	}
	return b.String()
}

func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	return s.send(normalizeURL(provider.Type, provider.URL), "Test notification from Warden")
}

// Provider Management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Find(&providers)
	return providers, result.Error
}

// CreateProvider stores a provider as given. Every column is written so a false
// preference is not replaced by the column default.
func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	return s.DB.Select("*").Create(provider).Error
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	return s.DB.Save(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
