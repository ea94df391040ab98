package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
)

// criticalReputation always passes the failed-login gate of reputation rules.
const criticalReputation = 90

// RuleResult is the verdict of one rule for one address.
type RuleResult struct {
	Rule        models.BlockingRule `json:"rule"`
	ShouldBlock bool                `json:"should_block"`
	Reason      string              `json:"reason"`
}

// CheckResult reports a CheckAndBlock pass. Every evaluated rule is listed; Chosen is
// the winning trigger, if any.
type CheckResult struct {
	Address        string       `json:"address"`
	Results        []RuleResult `json:"results"`
	Chosen         *RuleResult  `json:"chosen,omitempty"`
	Block          *BlockResult `json:"block,omitempty"`
	AlreadyBlocked bool         `json:"already_blocked"`
}

// Triggered returns the results that asked for a block, in priority order.
func (c *CheckResult) Triggered() []RuleResult {
	var out []RuleResult
	for _, r := range c.Results {
		if r.ShouldBlock {
			out = append(out, r)
		}
	}
	return out
}

type loadedRule struct {
	rule models.BlockingRule
	cond RuleCondition
}

// RuleEngine evaluates administrator rules deterministically, independent of the
// composite score.
type RuleEngine struct {
	db       *gorm.DB
	history  *History
	enricher *Enricher
	blocks   *BlockService
	scorer   *ThreatScorer
	notifier Notifier
	now      func() time.Time
}

// NewRuleEngine returns a RuleEngine. scorer and notifier may be nil; without a scorer
// rule blocks carry no threat score.
func NewRuleEngine(db *gorm.DB, history *History, enricher *Enricher, blocks *BlockService, scorer *ThreatScorer, notifier Notifier) *RuleEngine {
	return &RuleEngine{db: db, history: history, enricher: enricher, blocks: blocks, scorer: scorer, notifier: notifier, now: time.Now}
}

// ListRules returns all rules in evaluation order.
func (e *RuleEngine) ListRules(ctx context.Context) ([]models.BlockingRule, error) {
	var rules []models.BlockingRule
	if err := e.db.WithContext(ctx).Order("priority desc").Order("id asc").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return rules, nil
}

// SaveRule validates a rule's conditions and upserts it by name. Trigger counters of an
// existing rule are preserved.
func (e *RuleEngine) SaveRule(ctx context.Context, rule *models.BlockingRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: rule name required", ErrRuleMalformed)
	}
	if _, err := DecodeConditions(rule); err != nil {
		return err
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"description", "rule_type", "is_enabled", "priority", "conditions",
			"block_duration_minutes", "auto_unblock", "notify_on_trigger", "updated_at",
		}),
	}).Create(rule).Error
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// loadRules returns enabled rules ordered by priority DESC, id ASC. Malformed rules are
// logged and dropped.
func (e *RuleEngine) loadRules(ctx context.Context) ([]loadedRule, error) {
	var rules []models.BlockingRule
	if err := e.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Order("priority desc").Order("id asc").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	loaded := make([]loadedRule, 0, len(rules))
	for _, r := range rules {
		cond, err := DecodeConditions(&r)
		if err != nil {
			metrics.IncRuleError()
			logger.Component("rules", "").WithError(err).WithField("rule_id", r.ID).Warn("skipping malformed rule")
			continue
		}
		loaded = append(loaded, loadedRule{rule: r, cond: cond})
	}
	return loaded, nil
}

// EvaluateRules evaluates every enabled rule against address, using the newest event
// from the address as the outcome context.
func (e *RuleEngine) EvaluateRules(ctx context.Context, address string) ([]RuleResult, error) {
	ev, err := e.history.LatestEvent(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	results, _, err := e.evaluate(ctx, address, ev)
	return results, err
}

// EvaluateRulesForEvent evaluates every enabled rule with ev as the outcome context.
func (e *RuleEngine) EvaluateRulesForEvent(ctx context.Context, address string, ev *models.AuthEvent) ([]RuleResult, error) {
	results, _, err := e.evaluate(ctx, address, ev)
	return results, err
}

// CheckAndBlock evaluates the rules for address and blocks on the first trigger.
func (e *RuleEngine) CheckAndBlock(ctx context.Context, address string) (*CheckResult, error) {
	ev, err := e.history.LatestEvent(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return e.CheckAndBlockForEvent(ctx, address, ev)
}

// CheckAndBlockForEvent is CheckAndBlock with an explicit triggering event. The
// highest-priority triggered rule (lowest id on ties) owns the block; the rest are
// reported only.
func (e *RuleEngine) CheckAndBlockForEvent(ctx context.Context, address string, ev *models.AuthEvent) (*CheckResult, error) {
	results, policy, err := e.evaluate(ctx, address, ev)
	if err != nil {
		return nil, err
	}
	check := &CheckResult{Address: address, Results: results}
	for i := range results {
		if results[i].ShouldBlock {
			check.Chosen = &results[i]
			break
		}
	}
	if check.Chosen == nil {
		return check, nil
	}

	rule := check.Chosen.Rule
	req := BlockRequest{
		Address:     address,
		Reason:      fmt.Sprintf("Rule '%s': %s", rule.Name, check.Chosen.Reason),
		Source:      models.BlockSourceRuleBased,
		Duration:    rule.BaseDuration(),
		AutoUnblock: rule.AutoUnblock,
		RuleID:      &rule.ID,
		CreatedBy:   "rule_engine",
		Escalation:  policy,
	}
	if ev != nil {
		req.EventID = &ev.ID
		req.AgentID = ev.AgentID
	}
	var eval *ThreatEvaluation
	if e.scorer != nil {
		eval = e.scorer.Evaluate(ctx, address, EventContextFrom(ev))
		score := int(eval.Score + 0.5)
		req.ThreatScore = &score
	}
	block, err := e.blocks.Block(ctx, req)
	switch {
	case errors.Is(err, ErrAlreadyBlocked):
		check.AlreadyBlocked = true
		check.Block = block
		return check, nil
	case err != nil:
		return check, err
	}
	check.Block = block

	if rule.NotifyOnTrigger && e.notifier != nil {
		alert := Alert{
			EventType: EventBlock,
			Address:   address,
			Action:    "rule_block",
			Title:     fmt.Sprintf("Blocked %s", address),
			Message:   req.Reason,
			Factors:   []string{rule.RuleType},
		}
		if eval != nil {
			alert.Score = *req.ThreatScore
			alert.RiskLevel = eval.RiskLevel
			alert.Factors = append(alert.Factors, eval.Factors...)
		}
		e.notifier.Notify(ctx, alert)
	}
	return check, nil
}

// evaluate runs the rule pass. It also returns the escalation policy of the first
// enabled repeat-offender rule, nil when none.
func (e *RuleEngine) evaluate(ctx context.Context, address string, ev *models.AuthEvent) ([]RuleResult, *EscalationPolicy, error) {
	rules, err := e.loadRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	pass := &rulePass{engine: e, address: address, event: ev, at: e.now()}
	if ev != nil && !ev.Timestamp.IsZero() {
		pass.at = ev.Timestamp
	}

	var policy *EscalationPolicy
	results := make([]RuleResult, 0, len(rules))
	for _, lr := range rules {
		if ro, ok := lr.cond.(RepeatOffenderCondition); ok && policy == nil {
			p := ro.Policy()
			policy = &p
		}
		shouldBlock, reason, err := pass.check(ctx, lr.cond)
		if err != nil {
			metrics.IncRuleError()
			logger.Component("rules", address).WithError(err).WithField("rule_id", lr.rule.ID).Warn("rule evaluation failed, skipping")
			continue
		}
		results = append(results, RuleResult{Rule: lr.rule, ShouldBlock: shouldBlock, Reason: reason})
	}
	return results, policy, nil
}

// rulePass carries per-address state shared by the rules of one pass.
type rulePass struct {
	engine  *RuleEngine
	address string
	event   *models.AuthEvent
	at      time.Time
	snap    *EnrichmentSnapshot
}

func (p *rulePass) snapshot(ctx context.Context) *EnrichmentSnapshot {
	if p.snap == nil {
		p.snap = p.engine.enricher.Snapshot(ctx, p.address)
	}
	return p.snap
}

func (p *rulePass) failures(ctx context.Context, window time.Duration) (int64, error) {
	return p.engine.history.CountEvents(ctx, p.address, nil, p.at.Add(-window), p.at.Add(time.Nanosecond))
}

func (p *rulePass) check(ctx context.Context, cond RuleCondition) (bool, string, error) {
	switch c := cond.(type) {
	case BruteForceCondition:
		n, err := p.engine.history.CountEvents(ctx, p.address, c.EventTypes(), p.at.Add(-c.Window()), p.at.Add(time.Nanosecond))
		if err != nil {
			return false, "", err
		}
		label := c.EventType
		if label == "" {
			label = models.EventTypeFailed
		}
		reason := fmt.Sprintf("%d %s attempts in %d minutes (threshold: %d)", n, label, c.TimeWindowMinutes, c.Threshold)
		return n >= int64(c.Threshold), reason, nil

	case ReputationCondition:
		snap := p.snapshot(ctx)
		if snap.Intel == nil {
			return false, "no reputation data", nil
		}
		score := snap.AbuseScore()
		if score < c.MinAbuseIPDBScore {
			return false, fmt.Sprintf("AbuseIPDB score %d below threshold %d", score, c.MinAbuseIPDBScore), nil
		}
		critical := score >= criticalReputation
		failed := p.event != nil && p.event.IsFailure()
		if !failed && !c.BlockOnSuccess && !critical {
			return false, fmt.Sprintf("AbuseIPDB score %d but no failed login", score), nil
		}
		if c.MinFailedAttempts > 0 && !critical {
			n, err := p.failures(ctx, time.Duration(c.FailedWindowMinutes)*time.Minute)
			if err != nil {
				return false, "", err
			}
			if n < int64(c.MinFailedAttempts) {
				return false, fmt.Sprintf("AbuseIPDB score %d with %d failed attempts (minimum: %d)", score, n, c.MinFailedAttempts), nil
			}
		}
		return true, fmt.Sprintf("AbuseIPDB score %d (threshold: %d)", score, c.MinAbuseIPDBScore), nil

	case ComboCondition:
		snap := p.snapshot(ctx)
		var met []string
		if c.MinAbuseIPDBScore != nil {
			if snap.AbuseScore() < *c.MinAbuseIPDBScore {
				return false, fmt.Sprintf("AbuseIPDB score %d below %d", snap.AbuseScore(), *c.MinAbuseIPDBScore), nil
			}
			met = append(met, fmt.Sprintf("AbuseIPDB score %d", snap.AbuseScore()))
		}
		if c.MinMalwareDetections != nil {
			n := 0
			if snap.Intel != nil {
				n = snap.Intel.VirusTotalPositives
			}
			if n < *c.MinMalwareDetections {
				return false, fmt.Sprintf("%d malware detections below %d", n, *c.MinMalwareDetections), nil
			}
			met = append(met, fmt.Sprintf("%d malware detections", n))
		}
		if c.MinVulnerabilities != nil {
			n := 0
			if snap.Intel != nil {
				n = snap.Intel.VulnerabilityCount
			}
			if n < *c.MinVulnerabilities {
				return false, fmt.Sprintf("%d vulnerabilities below %d", n, *c.MinVulnerabilities), nil
			}
			met = append(met, fmt.Sprintf("%d vulnerabilities", n))
		}
		if c.RequireTor {
			if snap.Geo == nil || !snap.Geo.IsTor {
				return false, "not a Tor exit node", nil
			}
			met = append(met, "Tor exit node")
		}
		if c.RequireProxy {
			if snap.Geo == nil || !snap.Geo.IsProxy {
				return false, "not a proxy", nil
			}
			met = append(met, "proxy")
		}
		return true, "combined signals: " + strings.Join(met, ", "), nil

	case CountryCondition:
		country := p.snapshot(ctx).CountryCode()
		listed := false
		for _, cc := range c.Countries {
			if cc == country {
				listed = true
				break
			}
		}
		if !listed {
			return false, fmt.Sprintf("country %q not listed", country), nil
		}
		n, err := p.failures(ctx, time.Duration(c.TimeWindowMinutes)*time.Minute)
		if err != nil {
			return false, "", err
		}
		reason := fmt.Sprintf("country %s with %d failed attempts (minimum: %d)", country, n, c.MinFailedAttempts)
		return n >= int64(c.MinFailedAttempts), reason, nil

	case RepeatOffenderCondition:
		var prior int64
		if err := p.engine.db.WithContext(ctx).Model(&models.IPBlock{}).Where("ip_address = ?", p.address).Count(&prior).Error; err != nil {
			return false, "", err
		}
		return false, fmt.Sprintf("%d prior blocks, escalation applies to the next block", prior), nil
	}
	return false, "", fmt.Errorf("%w: unsupported condition %T", ErrRuleMalformed, cond)
}
