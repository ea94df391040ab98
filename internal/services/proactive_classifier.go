package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
)

// Proactive decision actions.
const (
	DecisionBlockPermanent = "block_permanent"
	DecisionBlockTemporary = "block_temporary"
	DecisionAlert          = "alert"
	DecisionAlertLow       = "alert_low"
	DecisionNoAction       = "no_action"
)

// Score sources recorded on a decision.
const (
	MethodBehavioralAnalyzer = "behavioral_analyzer"
	MethodCompositeScore     = "composite_score"
	MethodSkipped            = "skipped"
)

// cleanReputation below this suppresses medium-band alerts as likely false positives.
const cleanReputation = 20

// NonRoutableNetworks are never acted on.
var NonRoutableNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",  // carrier-grade NAT
	"127.0.0.0/8",    // localhost
	"169.254.0.0/16", // link-local
	"0.0.0.0/8",
	"fc00::/7",  // IPv6 ULA
	"fe80::/10", // IPv6 link-local
	"::1/128",   // IPv6 localhost
	"::/128",
}

var nonRoutable = parseNetworks(NonRoutableNetworks)

func parseNetworks(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// IsNonRoutable reports whether address is private, loopback, link-local or not an IP.
func IsNonRoutable(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return true
	}
	for _, n := range nonRoutable {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Decision is the proactive verdict for one event.
type Decision struct {
	Address    string            `json:"address"`
	Action     string            `json:"action"`
	Method     string            `json:"method"`
	Score      float64           `json:"score"`
	RiskLevel  string            `json:"risk_level"`
	Factors    []string          `json:"factors"`
	Reason     string            `json:"reason"`
	Evaluation *ThreatEvaluation `json:"evaluation,omitempty"`
}

// IsBlock reports whether the decision asks for a block.
func (d Decision) IsBlock() bool {
	return d.Action == DecisionBlockPermanent || d.Action == DecisionBlockTemporary
}

// ProactiveOutcome is the result of Process.
type ProactiveOutcome struct {
	Decision       Decision     `json:"decision"`
	Block          *BlockResult `json:"block,omitempty"`
	AlreadyBlocked bool         `json:"already_blocked"`
}

// ProactiveClassifier acts on live events before threshold-based tools would.
type ProactiveClassifier struct {
	scorer    *ThreatScorer
	blocks    *BlockService
	notifier  Notifier
	temporary time.Duration
}

// NewProactiveClassifier returns a classifier. notifier may be nil.
func NewProactiveClassifier(scorer *ThreatScorer, blocks *BlockService, notifier Notifier, temporary time.Duration) *ProactiveClassifier {
	return &ProactiveClassifier{scorer: scorer, blocks: blocks, notifier: notifier, temporary: temporary}
}

// Classify decides what to do about ev without side effects beyond the evaluation log.
func (c *ProactiveClassifier) Classify(ctx context.Context, ev *models.AuthEvent) Decision {
	if ev == nil {
		return Decision{Action: DecisionNoAction, Method: MethodSkipped, RiskLevel: RiskMinimal, Factors: []string{}, Reason: "no event"}
	}
	address := ev.SourceIP
	if IsNonRoutable(address) {
		return Decision{Address: address, Action: DecisionNoAction, Method: MethodSkipped, RiskLevel: RiskMinimal, Factors: []string{}, Reason: "non-routable address"}
	}

	evCtx := EventContextFrom(ev)
	eval := c.scorer.Evaluate(ctx, address, evCtx)
	d := Decision{
		Address:    address,
		Method:     MethodCompositeScore,
		Score:      eval.Score,
		RiskLevel:  eval.RiskLevel,
		Factors:    eval.Factors,
		Evaluation: eval,
	}

	// The analyzer outranks the composite only when it sees more.
	if eval.Behavior != nil {
		if analyzed := float64(clamp(eval.Behavior.Score)); analyzed >= d.Score {
			d.Method = MethodBehavioralAnalyzer
			d.Score = analyzed
			d.RiskLevel = RiskLevelFor(d.Score)
		}
	}

	priority := hasPriorityFactor(d.Factors)
	switch {
	case d.Score >= 80 || (priority && d.Score >= 60):
		d.Action = DecisionBlockPermanent
		d.Reason = fmt.Sprintf("score %.0f (%s)", d.Score, d.Method)
	case d.Score >= 60:
		d.Action = DecisionBlockTemporary
		d.Reason = fmt.Sprintf("score %.0f (%s)", d.Score, d.Method)
	case d.Score >= 40:
		if eval.ReputationScore < cleanReputation {
			d.Action = DecisionNoAction
			d.Reason = fmt.Sprintf("score %.0f suppressed, clean reputation %d", d.Score, eval.ReputationScore)
		} else {
			d.Action = DecisionAlert
			d.Reason = fmt.Sprintf("score %.0f (%s)", d.Score, d.Method)
		}
	case d.Score >= 20 && len(d.Factors) > 0:
		d.Action = DecisionAlertLow
		d.Reason = fmt.Sprintf("score %.0f with %s", d.Score, strings.Join(d.Factors, ", "))
	default:
		d.Action = DecisionNoAction
		d.Reason = fmt.Sprintf("score %.0f", d.Score)
	}
	metrics.IncProactiveDecision(d.Action)
	logger.Component("classifier", address).WithFields(map[string]interface{}{
		"action": d.Action,
		"method": d.Method,
		"score":  d.Score,
	}).Debug("proactive decision")
	return d
}

// Process classifies ev and applies the decision: blocks go through the lifecycle
// manager, blocks and alerts are sent to the notifier.
func (c *ProactiveClassifier) Process(ctx context.Context, ev *models.AuthEvent) (*ProactiveOutcome, error) {
	d := c.Classify(ctx, ev)
	out := &ProactiveOutcome{Decision: d}
	score := int(d.Score + 0.5)

	switch d.Action {
	case DecisionBlockPermanent, DecisionBlockTemporary:
		req := BlockRequest{
			Address:     d.Address,
			Reason:      fmt.Sprintf("Proactive %s: %s", strings.ReplaceAll(d.Action, "_", " "), d.Reason),
			Source:      models.BlockSourceProactive,
			EventID:     &ev.ID,
			AgentID:     ev.AgentID,
			ThreatScore: &score,
			CreatedBy:   "proactive_classifier",
		}
		if d.Action == DecisionBlockTemporary {
			req.Duration = c.temporary
			req.AutoUnblock = true
		}
		res, err := c.blocks.Block(ctx, req)
		switch {
		case errors.Is(err, ErrAlreadyBlocked):
			out.AlreadyBlocked = true
			out.Block = res
			return out, nil
		case err != nil:
			return out, err
		}
		out.Block = res
		c.notify(ctx, EventBlock, d, score)
	case DecisionAlert, DecisionAlertLow:
		c.notify(ctx, EventAlert, d, score)
	}
	return out, nil
}

func (c *ProactiveClassifier) notify(ctx context.Context, eventType string, d Decision, score int) {
	if c.notifier == nil {
		return
	}
	title := fmt.Sprintf("Threat alert for %s", d.Address)
	if eventType == EventBlock {
		title = fmt.Sprintf("Proactively blocked %s", d.Address)
	}
	c.notifier.Notify(ctx, Alert{
		EventType: eventType,
		Address:   d.Address,
		Score:     score,
		RiskLevel: d.RiskLevel,
		Factors:   d.Factors,
		Action:    d.Action,
		Title:     title,
		Message:   d.Reason,
	})
}

func hasPriorityFactor(factors []string) bool {
	for _, f := range factors {
		if f == FactorCredentialStuffing || f == FactorBruteForce {
			return true
		}
	}
	return false
}
