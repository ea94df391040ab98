package services

import (
	"context"
	"time"

	"github.com/Wikid82/warden/internal/models"
)

// patternWindow is the short window the pattern analyzer inspects.
const patternWindow = 10 * time.Minute

// PatternAnalyzer recognizes attack patterns in the last few minutes of activity from
// an address. Its factors let the classifier act on a brute-force or credential
// stuffing run before per-attempt counters cross their thresholds.
type PatternAnalyzer struct {
	history *History
	now     func() time.Time
}

// NewPatternAnalyzer returns a BehavioralAnalyzer over auth_events.
func NewPatternAnalyzer(history *History) *PatternAnalyzer {
	return &PatternAnalyzer{history: history, now: time.Now}
}

func (a *PatternAnalyzer) Analyze(ctx context.Context, address string, ev *EventContext) (*BehaviorAnalysis, error) {
	at := a.now()
	if ev != nil && !ev.Timestamp.IsZero() {
		at = ev.Timestamp
	}
	since, until := at.Add(-patternWindow), at.Add(time.Nanosecond)

	c, err := a.history.Counters(ctx, address, since, until)
	if err != nil {
		return nil, err
	}
	invalid, err := a.history.CountEvents(ctx, address, []string{models.EventTypeInvalidUser}, since, until)
	if err != nil {
		return nil, err
	}

	var factors factorSet
	score := 0
	switch {
	case c.Failed >= 50:
		score += 55
		factors.add(FactorBruteForce)
	case c.Failed >= 20:
		score += 40
		factors.add(FactorBruteForce)
	case c.Failed >= 10:
		score += 20
	}
	if c.Failed >= 5 {
		switch {
		case c.DistinctUsernames >= 10:
			score += 45
			factors.add(FactorCredentialStuffing)
		case c.DistinctUsernames >= 5:
			score += 35
			factors.add(FactorCredentialStuffing)
		}
	}
	if invalid >= 5 {
		score += 15
		factors.add(FactorUserEnumeration)
	}
	if c.RootAttempts >= 3 {
		score += 15
		factors.add(FactorRootTargeting)
	}
	return &BehaviorAnalysis{Score: clamp(score), Factors: factors.list()}, nil
}
