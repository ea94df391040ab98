// Package engine coordinates the per-event pipeline: a shipped auth event is stored,
// checked against the blocking rules and classified proactively.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/util"
)

var ErrInvalidEvent = errors.New("invalid auth event")

// Outcome is everything the engine did for one event.
type Outcome struct {
	Event     *models.AuthEvent          `json:"event"`
	Rules     *services.CheckResult      `json:"rules,omitempty"`
	Proactive *services.ProactiveOutcome `json:"proactive,omitempty"`
}

// Blocked reports whether either path holds an active block for the address.
func (o *Outcome) Blocked() bool {
	if o.Rules != nil && o.Rules.Block != nil {
		return true
	}
	return o.Proactive != nil && o.Proactive.Block != nil
}

// Engine runs rule evaluation and proactive classification for incoming events. The
// two paths are independent: either may block, and the block lifecycle keeps at most
// one active block per address.
type Engine struct {
	db         *gorm.DB
	rules      *services.RuleEngine
	classifier *services.ProactiveClassifier
	now        func() time.Time
}

// New returns an Engine.
func New(db *gorm.DB, rules *services.RuleEngine, classifier *services.ProactiveClassifier) *Engine {
	return &Engine{db: db, rules: rules, classifier: classifier, now: time.Now}
}

// Ingest validates and stores ev, then processes it.
func (e *Engine) Ingest(ctx context.Context, ev *models.AuthEvent) (*Outcome, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidEvent)
	}
	address, ok := util.NormalizeIP(ev.SourceIP)
	if !ok {
		return nil, fmt.Errorf("%w: source ip %q", ErrInvalidEvent, ev.SourceIP)
	}
	ev.SourceIP = address
	switch ev.EventType {
	case models.EventTypeFailed, models.EventTypeSuccessful, models.EventTypeInvalidUser:
	default:
		return nil, fmt.Errorf("%w: event type %q", ErrInvalidEvent, ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := e.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", services.ErrStoreUnavailable, err)
	}
	return e.ProcessEvent(ctx, ev)
}

// ProcessEvent runs both decision paths for a stored event. A rule failure does not
// stop proactive classification; errors from both are joined.
func (e *Engine) ProcessEvent(ctx context.Context, ev *models.AuthEvent) (*Outcome, error) {
	out := &Outcome{Event: ev}
	log := logger.Component("engine", ev.SourceIP).WithFields(map[string]interface{}{
		"event_type": ev.EventType,
		"username":   util.SanitizeForLog(ev.TargetUsername),
	})

	var errs []error
	rules, err := e.rules.CheckAndBlockForEvent(ctx, ev.SourceIP, ev)
	if err != nil {
		log.WithError(err).Error("rule evaluation failed")
		errs = append(errs, err)
	}
	out.Rules = rules

	proactive, err := e.classifier.Process(ctx, ev)
	if err != nil {
		log.WithError(err).Error("proactive classification failed")
		errs = append(errs, err)
	}
	out.Proactive = proactive

	entry := log.WithField("blocked", out.Blocked())
	if proactive != nil {
		entry = entry.WithField("decision", proactive.Decision.Action)
	}
	entry.Debug("event processed")
	return out, errors.Join(errs...)
}
