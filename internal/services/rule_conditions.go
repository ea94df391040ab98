package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Wikid82/warden/internal/models"
)

// ErrRuleMalformed marks a rule whose conditions cannot be decoded or validated. Such a
// rule is skipped; the others are still evaluated.
var ErrRuleMalformed = errors.New("rule malformed")

var conditionValidator = validator.New()

// RuleCondition is the decoded, validated condition set of one rule type.
type RuleCondition interface {
	RuleType() string
}

// BruteForceCondition triggers when enough attempts of one outcome land in a window.
type BruteForceCondition struct {
	Threshold         int    `json:"threshold" validate:"gt=0"`
	TimeWindowMinutes int    `json:"time_window_minutes" validate:"gt=0"`
	EventType         string `json:"event_type" validate:"omitempty,oneof=failed successful invalid_user"`
}

func (BruteForceCondition) RuleType() string { return models.RuleTypeBruteForce }

// Window returns the counting window.
func (c BruteForceCondition) Window() time.Duration {
	return time.Duration(c.TimeWindowMinutes) * time.Minute
}

// EventTypes returns the outcomes counted. The default counts every failure outcome.
func (c BruteForceCondition) EventTypes() []string {
	if c.EventType == "" || c.EventType == models.EventTypeFailed {
		return failureTypes
	}
	return []string{c.EventType}
}

// ReputationCondition triggers on a stored abuse score.
type ReputationCondition struct {
	MinAbuseIPDBScore int  `json:"min_abuseipdb_score" validate:"gte=1,lte=100"`
	BlockOnSuccess    bool `json:"block_on_success"`
	// MinFailedAttempts requires earlier failures within FailedWindowMinutes.
	MinFailedAttempts   int `json:"min_failed_attempts" validate:"gte=0"`
	FailedWindowMinutes int `json:"failed_window_minutes" validate:"gte=0"`
}

func (ReputationCondition) RuleType() string { return models.RuleTypeReputationThreshold }

// ComboCondition requires every configured sub-condition at once. A nil threshold or a
// false flag is not required.
type ComboCondition struct {
	MinAbuseIPDBScore    *int `json:"min_abuseipdb_score" validate:"omitempty,gte=0,lte=100"`
	MinMalwareDetections *int `json:"min_virustotal_positives" validate:"omitempty,gte=0"`
	MinVulnerabilities   *int `json:"min_vulnerabilities" validate:"omitempty,gte=0"`
	RequireTor           bool `json:"require_tor"`
	RequireProxy         bool `json:"require_proxy"`
}

func (ComboCondition) RuleType() string { return models.RuleTypeCombo }

func (c ComboCondition) configured() int {
	n := 0
	for _, set := range []bool{c.MinAbuseIPDBScore != nil, c.MinMalwareDetections != nil, c.MinVulnerabilities != nil, c.RequireTor, c.RequireProxy} {
		if set {
			n++
		}
	}
	return n
}

// CountryCondition triggers for listed countries once enough failures are seen.
type CountryCondition struct {
	Countries         []string `json:"countries" validate:"min=1,dive,len=2"`
	MinFailedAttempts int      `json:"min_failed_attempts" validate:"gte=0"`
	TimeWindowMinutes int      `json:"time_window_minutes" validate:"gte=0"`
}

func (CountryCondition) RuleType() string { return models.RuleTypeHighRiskCountry }

// RepeatOffenderCondition never triggers; it tunes the escalation policy.
type RepeatOffenderCondition struct {
	SecondOffenseMultiplier int `json:"second_offense_multiplier" validate:"gte=1"`
	ThirdOffenseDays        int `json:"third_offense_days" validate:"gte=1"`
	FourthOffenseDays       int `json:"fourth_offense_days" validate:"gte=1"`
}

func (RepeatOffenderCondition) RuleType() string { return models.RuleTypeRepeatOffender }

// Policy converts the condition into an EscalationPolicy.
func (c RepeatOffenderCondition) Policy() EscalationPolicy {
	return EscalationPolicy{
		SecondOffenseMultiplier: c.SecondOffenseMultiplier,
		ThirdOffense:            time.Duration(c.ThirdOffenseDays) * 24 * time.Hour,
		FourthOffense:           time.Duration(c.FourthOffenseDays) * 24 * time.Hour,
	}
}

// DecodeConditions decodes and validates a rule's JSON conditions into the variant for
// its type, filling defaults for omitted fields.
func DecodeConditions(rule *models.BlockingRule) (RuleCondition, error) {
	raw := []byte(rule.Conditions)
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}

	var cond RuleCondition
	switch rule.RuleType {
	case models.RuleTypeBruteForce:
		c := BruteForceCondition{}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, malformed(rule, err)
		}
		cond = c
	case models.RuleTypeReputationThreshold:
		c := ReputationCondition{FailedWindowMinutes: 60}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, malformed(rule, err)
		}
		cond = c
	case models.RuleTypeCombo:
		c := ComboCondition{}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, malformed(rule, err)
		}
		if c.configured() == 0 {
			return nil, malformed(rule, errors.New("no sub-condition configured"))
		}
		cond = c
	case models.RuleTypeHighRiskCountry:
		c := CountryCondition{TimeWindowMinutes: 60}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, malformed(rule, err)
		}
		for i := range c.Countries {
			c.Countries[i] = strings.ToUpper(strings.TrimSpace(c.Countries[i]))
		}
		cond = c
	case models.RuleTypeRepeatOffender:
		def := DefaultEscalationPolicy()
		c := RepeatOffenderCondition{
			SecondOffenseMultiplier: def.SecondOffenseMultiplier,
			ThirdOffenseDays:        int(def.ThirdOffense / (24 * time.Hour)),
			FourthOffenseDays:       int(def.FourthOffense / (24 * time.Hour)),
		}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, malformed(rule, err)
		}
		cond = c
	default:
		return nil, malformed(rule, fmt.Errorf("unknown rule type %q", rule.RuleType))
	}

	if err := conditionValidator.Struct(cond); err != nil {
		return nil, malformed(rule, err)
	}
	return cond, nil
}

func malformed(rule *models.BlockingRule, err error) error {
	return fmt.Errorf("%w: rule %d (%s): %w", ErrRuleMalformed, rule.ID, rule.Name, err)
}
