package services

import (
	"gorm.io/datatypes"

	"github.com/Wikid82/warden/internal/models"
)

// DefaultRules is the starter policy installed by the seeder. Names are unique, so
// saving them again only refreshes the definitions.
func DefaultRules() []models.BlockingRule {
	return []models.BlockingRule{
		{
			Name:                 "SSH brute force",
			Description:          "Five or more failed logins within ten minutes",
			RuleType:             models.RuleTypeBruteForce,
			IsEnabled:            true,
			Priority:             100,
			Conditions:           datatypes.JSON(`{"threshold":5,"time_window_minutes":10}`),
			BlockDurationMinutes: 60,
			AutoUnblock:          true,
		},
		{
			Name:                 "Known abusive address",
			Description:          "AbuseIPDB confidence of 90 or more with a failed login",
			RuleType:             models.RuleTypeReputationThreshold,
			IsEnabled:            true,
			Priority:             90,
			Conditions:           datatypes.JSON(`{"min_abuseipdb_score":90}`),
			BlockDurationMinutes: 0,
			NotifyOnTrigger:      true,
		},
		{
			Name:                 "Tor exit with bad reputation",
			Description:          "Tor exit node that also carries abuse reports",
			RuleType:             models.RuleTypeCombo,
			IsEnabled:            true,
			Priority:             80,
			Conditions:           datatypes.JSON(`{"require_tor":true,"min_abuseipdb_score":50}`),
			BlockDurationMinutes: 24 * 60,
			AutoUnblock:          true,
			NotifyOnTrigger:      true,
		},
		{
			Name:                 "High-risk country failures",
			Description:          "Repeated failures from a high-risk country",
			RuleType:             models.RuleTypeHighRiskCountry,
			IsEnabled:            true,
			Priority:             50,
			Conditions:           datatypes.JSON(`{"countries":["CN","RU","KP","IR"],"min_failed_attempts":3,"time_window_minutes":60}`),
			BlockDurationMinutes: 12 * 60,
			AutoUnblock:          true,
		},
		{
			Name:        "Repeat offender escalation",
			Description: "2x on the second offense, 7 days on the third, 30 days after",
			RuleType:    models.RuleTypeRepeatOffender,
			IsEnabled:   true,
			Conditions:  datatypes.JSON(`{"second_offense_multiplier":2,"third_offense_days":7,"fourth_offense_days":30}`),
		},
	}
}
