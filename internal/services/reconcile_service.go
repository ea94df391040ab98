package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/util"
)

// ReconciledReason is recorded on blocks released because the firewall lacked them.
const ReconciledReason = "reconciled: not found in firewall"

// FirewallStateSource is the ground truth of what each agent's firewall denies.
type FirewallStateSource interface {
	// ReportedAgents maps agent id to the time of its last full report.
	ReportedAgents(ctx context.Context) (map[uint]time.Time, error)
	DenySet(ctx context.Context, agentID uint) (map[string]bool, error)
}

// StoreFirewallState keeps agent reports in agent_firewall_rules.
type StoreFirewallState struct {
	db *gorm.DB
}

// NewStoreFirewallState returns a store-backed FirewallStateSource.
func NewStoreFirewallState(db *gorm.DB) *StoreFirewallState {
	return &StoreFirewallState{db: db}
}

func (s *StoreFirewallState) ReportedAgents(ctx context.Context) (map[uint]time.Time, error) {
	var reports []models.AgentFirewallReport
	if err := s.db.WithContext(ctx).Find(&reports).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]time.Time, len(reports))
	for _, r := range reports {
		out[r.AgentID] = r.ReportedAt
	}
	return out, nil
}

func (s *StoreFirewallState) DenySet(ctx context.Context, agentID uint) (map[string]bool, error) {
	var addresses []string
	if err := s.db.WithContext(ctx).Model(&models.AgentFirewallRule{}).
		Where("agent_id = ? AND action = ?", agentID, models.CommandDeny).
		Pluck("ip_address", &addresses).Error; err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		set[a] = true
	}
	return set, nil
}

// ReplaceDenySet stores a full report from an agent, replacing the previous one.
func (s *StoreFirewallState) ReplaceDenySet(ctx context.Context, agentID uint, addresses []string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", agentID).Delete(&models.AgentFirewallRule{}).Error; err != nil {
			return err
		}
		seen := make(map[string]bool, len(addresses))
		rules := make([]models.AgentFirewallRule, 0, len(addresses))
		for _, raw := range addresses {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			a, ok := util.NormalizeHostAddress(raw)
			if !ok {
				logger.Log().WithFields(map[string]interface{}{
					"agent_id": agentID,
					"entry":    util.SanitizeForLog(raw),
				}).Warn("ignoring unparsable firewall entry")
				continue
			}
			if seen[a] {
				continue
			}
			seen[a] = true
			rules = append(rules, models.AgentFirewallRule{AgentID: agentID, IPAddress: a, Action: models.CommandDeny, ReportedAt: at})
		}
		if len(rules) > 0 {
			if err := tx.CreateInBatches(rules, 200).Error; err != nil {
				return err
			}
		}
		report := models.AgentFirewallReport{AgentID: agentID, RuleCount: len(rules), ReportedAt: at}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rule_count", "reported_at"}),
		}).Create(&report).Error
	})
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	AgentsChecked int       `json:"agents_checked"`
	AgentsSkipped []uint    `json:"agents_skipped"`
	PairsChecked  int       `json:"pairs_checked"`
	PairsPending  int       `json:"pairs_pending"`
	Deactivated   []string  `json:"deactivated"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// ReconciliationService releases active blocks that no firewall actually enforces.
// Firewall denies unknown to the store are left alone.
type ReconciliationService struct {
	db       *gorm.DB
	blocks   *BlockService
	state    FirewallStateSource
	notifier Notifier
	group    singleflight.Group
	now      func() time.Time
}

// NewReconciliationService returns a ReconciliationService. notifier may be nil.
func NewReconciliationService(db *gorm.DB, blocks *BlockService, state FirewallStateSource, notifier Notifier) *ReconciliationService {
	return &ReconciliationService{db: db, blocks: blocks, state: state, notifier: notifier, now: time.Now}
}

// Reconcile compares store and firewall state for one agent, or all agents when
// agentID is nil. Concurrent calls for the same scope share one run.
func (r *ReconciliationService) Reconcile(ctx context.Context, agentID *uint) (*ReconcileReport, error) {
	key := "all"
	if agentID != nil {
		key = fmt.Sprintf("agent:%d", *agentID)
	}
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.reconcile(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReconcileReport), nil
}

func (r *ReconciliationService) reconcile(ctx context.Context, agentID *uint) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: r.now(), AgentsSkipped: []uint{}, Deactivated: []string{}}
	log := logger.Component("reconcile", "")

	reported, err := r.state.ReportedAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	var agents []uint
	q := r.db.WithContext(ctx).Model(&models.Agent{}).Order("id asc")
	if agentID != nil {
		q = q.Where("id = ?", *agentID)
	}
	if err := q.Pluck("id", &agents).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if agentID != nil && len(agents) == 0 {
		return nil, ErrAgentUnknown
	}

	for _, id := range agents {
		reportedAt, ok := reported[id]
		if !ok {
			report.AgentsSkipped = append(report.AgentsSkipped, id)
			continue
		}
		if err := r.reconcileAgent(ctx, id, reportedAt, report); err != nil {
			return nil, err
		}
		report.AgentsChecked++
	}
	report.FinishedAt = r.now()

	log.WithFields(map[string]interface{}{
		"agents_checked": report.AgentsChecked,
		"agents_skipped": len(report.AgentsSkipped),
		"pairs_checked":  report.PairsChecked,
		"deactivated":    len(report.Deactivated),
	}).Info("reconciliation finished")

	if len(report.Deactivated) > 0 && r.notifier != nil {
		r.notifier.Notify(ctx, Alert{
			EventType: EventReconcile,
			Action:    models.ActionReconciled,
			Title:     fmt.Sprintf("Reconciliation released %d block(s)", len(report.Deactivated)),
			Message:   fmt.Sprintf("%s: %s", ReconciledReason, strings.Join(report.Deactivated, ", ")),
		})
	}
	return report, nil
}

func (r *ReconciliationService) reconcileAgent(ctx context.Context, agentID uint, reportedAt time.Time, report *ReconcileReport) error {
	denied, err := r.state.DenySet(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	db := r.db.WithContext(ctx)
	var blocks []models.IPBlock
	if err := db.
		Where("is_active = ?", true).
		Where(db.Where("agent_id = ?", agentID).
			Or("id IN (?)", db.Model(&models.FirewallCommand{}).
				Select("ip_block_id").
				Where("agent_id = ? AND command_type = ? AND ip_block_id IS NOT NULL", agentID, models.CommandDeny))).
		Order("id asc").
		Find(&blocks).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	for _, b := range blocks {
		report.PairsChecked++
		if denied[b.IPAddress] {
			continue
		}
		// The report predates the block, or the deny is still on its way to the agent.
		if b.BlockedAt.After(reportedAt) {
			report.PairsPending++
			continue
		}
		var inFlight int64
		if err := db.Model(&models.FirewallCommand{}).
			Where("ip_block_id = ? AND agent_id = ? AND command_type = ? AND status IN ?", b.ID, agentID, models.CommandDeny,
				[]string{models.CommandPending, models.CommandSent}).
			Count(&inFlight).Error; err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if inFlight > 0 {
			report.PairsPending++
			continue
		}

		_, err := r.blocks.deactivate(ctx, b.IPAddress, transition{
			actionType:   models.ActionReconciled,
			actionSource: models.ActionSourceSystem,
			reason:       ReconciledReason,
			actor:        "system",
			blockID:      b.ID,
		})
		switch {
		case errors.Is(err, ErrNotBlocked):
			continue
		case err != nil:
			return err
		}
		metrics.IncReconcileDrift()
		report.Deactivated = append(report.Deactivated, b.IPAddress)
		logger.Component("reconcile", b.IPAddress).WithField("agent_id", agentID).Warn("active block missing from firewall, released")
	}
	return nil
}
