package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/events"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/util"
)

var (
	ErrAlreadyBlocked   = errors.New("address already blocked")
	ErrNotBlocked       = errors.New("address not blocked")
	ErrAgentUnknown     = errors.New("agent unknown")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidAddress   = errors.New("invalid IP address")
)

// EscalationPolicy sets block durations for repeat offenders. The offense number n
// counts every earlier block for the address plus the current one.
type EscalationPolicy struct {
	SecondOffenseMultiplier int           `json:"second_offense_multiplier"`
	ThirdOffense            time.Duration `json:"third_offense"`
	FourthOffense           time.Duration `json:"fourth_offense"`
}

// DefaultEscalationPolicy: 1x, 2x, 7 days, 30 days.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		SecondOffenseMultiplier: 2,
		ThirdOffense:            7 * 24 * time.Hour,
		FourthOffense:           30 * 24 * time.Hour,
	}
}

// Duration returns the block length for offense n given the base duration. A zero
// base is permanent and stays permanent.
func (p EscalationPolicy) Duration(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	switch {
	case n <= 1:
		return base
	case n == 2:
		return base * time.Duration(p.SecondOffenseMultiplier)
	case n == 3:
		return p.ThirdOffense
	}
	return p.FourthOffense
}

// BlockRequest describes a block to create.
type BlockRequest struct {
	Address     string
	Reason      string
	Source      string
	Duration    time.Duration // base duration before escalation, 0 = permanent
	AutoUnblock bool
	RuleID      *uint
	EventID     *uint
	AgentID     *uint
	ThreatScore *int
	CreatedBy   string
	// Escalation overrides the default repeat-offender policy.
	Escalation *EscalationPolicy
}

// BlockResult is the outcome of a lifecycle transition. On ErrAlreadyBlocked Block holds
// the existing active row.
type BlockResult struct {
	Block    *models.IPBlock          `json:"block"`
	Commands []models.FirewallCommand `json:"commands"`
	// AgentGap is set when the transition was stored but no command could be addressed.
	AgentGap bool `json:"agent_gap"`
}

// BlockService is the only writer of ip_blocks. Every transition runs in one
// transaction together with its audit entry and firewall commands.
type BlockService struct {
	db              *gorm.DB
	publisher       events.Publisher
	blockEverywhere bool
	now             func() time.Time
}

// NewBlockService returns a BlockService. publisher may be nil.
func NewBlockService(db *gorm.DB, publisher events.Publisher, blockEverywhere bool) *BlockService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &BlockService{db: db, publisher: publisher, blockEverywhere: blockEverywhere, now: time.Now}
}

// Block creates an active block for req.Address. The existence check and the insert
// share a transaction; the partial unique index on active rows catches any race the
// check misses.
func (s *BlockService) Block(ctx context.Context, req BlockRequest) (*BlockResult, error) {
	address, ok := util.NormalizeIP(req.Address)
	if !ok {
		return nil, ErrInvalidAddress
	}
	req.Address = address
	if req.Source == "" {
		req.Source = models.BlockSourceManual
	}
	policy := DefaultEscalationPolicy()
	if req.Escalation != nil {
		policy = *req.Escalation
	}
	log := logger.Component("blocks", req.Address)

	result := &BlockResult{}
	var existing *models.IPBlock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		active, err := activeBlock(tx, req.Address)
		if err != nil {
			return err
		}
		if active != nil {
			existing = active
			return ErrAlreadyBlocked
		}

		var prior int64
		if err := tx.Model(&models.IPBlock{}).Where("ip_address = ?", req.Address).Count(&prior).Error; err != nil {
			return err
		}
		offense := int(prior) + 1
		duration := policy.Duration(req.Duration, offense)
		now := s.now()

		block := &models.IPBlock{
			IPAddress:       req.Address,
			Reason:          req.Reason,
			Source:          req.Source,
			IsActive:        true,
			BlockedAt:       now,
			AutoUnblock:     req.AutoUnblock && duration > 0,
			BlockingRuleID:  req.RuleID,
			TriggerEventID:  req.EventID,
			AgentID:         req.AgentID,
			ThreatScore:     req.ThreatScore,
			EscalationCount: offense - 1,
			DurationMinutes: int(duration / time.Minute),
			CreatedBy:       req.CreatedBy,
		}
		if duration > 0 {
			unblockAt := now.Add(duration)
			block.UnblockAt = &unblockAt
		}
		if err := tx.Create(block).Error; err != nil {
			if database.IsUniqueViolation(err) {
				if active, _ := activeBlock(tx, req.Address); active != nil {
					existing = active
				}
				return ErrAlreadyBlocked
			}
			return err
		}

		action := &models.BlockingAction{
			IPBlockID:    &block.ID,
			IPAddress:    req.Address,
			ActionType:   models.ActionBlocked,
			ActionSource: actionSourceFor(req.Source),
			Reason:       req.Reason,
			PerformedBy:  performer(req.CreatedBy, req.Source),
			RuleID:       req.RuleID,
			Details:      fmt.Sprintf("offense=%d duration_minutes=%d", offense, block.DurationMinutes),
		}
		if err := tx.Create(action).Error; err != nil {
			return err
		}

		if req.RuleID != nil {
			if err := tx.Model(&models.BlockingRule{}).Where("id = ?", *req.RuleID).Updates(map[string]interface{}{
				"times_triggered":   gorm.Expr("times_triggered + ?", 1),
				"last_triggered_at": now,
			}).Error; err != nil {
				return err
			}
		}

		agents, gap, err := s.denyTargets(tx, req.AgentID)
		if err != nil {
			return err
		}
		result.AgentGap = gap
		cmds, err := queueCommands(tx, agents, models.CommandDeny, block)
		if err != nil {
			return err
		}
		result.Block = block
		result.Commands = cmds
		return nil
	})
	if errors.Is(err, ErrAlreadyBlocked) {
		metrics.IncAlreadyBlocked()
		log.WithField("source", req.Source).Debug("block skipped, already active")
		return &BlockResult{Block: existing}, ErrAlreadyBlocked
	}
	if err != nil {
		log.WithError(err).Error("block failed")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	metrics.IncBlock(req.Source)
	metrics.AddCommandsQueued(models.CommandDeny, len(result.Commands))
	if result.AgentGap {
		log.WithError(ErrAgentUnknown).Warn("block stored without firewall command, reconciliation will report the gap")
	}
	log.WithFields(map[string]interface{}{
		"source":     req.Source,
		"block_id":   result.Block.ID,
		"escalation": result.Block.EscalationCount,
		"commands":   len(result.Commands),
	}).Info("address blocked")
	s.publish(ctx, result.Commands)
	return result, nil
}

// Unblock deactivates the active block for address.
func (s *BlockService) Unblock(ctx context.Context, address, reason, actor string) (*BlockResult, error) {
	if normalized, ok := util.NormalizeIP(address); ok {
		address = normalized
	}
	return s.deactivate(ctx, address, transition{
		actionType:   models.ActionUnblocked,
		actionSource: models.ActionSourceManual,
		reason:       reason,
		actor:        actor,
		commands:     true,
	})
}

// SweepExpired deactivates every auto-unblock block whose time has come and returns
// how many were released.
func (s *BlockService) SweepExpired(ctx context.Context) (int, error) {
	var due []models.IPBlock
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND auto_unblock = ? AND unblock_at IS NOT NULL AND unblock_at <= ?", true, true, s.now()).
		Order("unblock_at asc").
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	released := 0
	for _, b := range due {
		_, err := s.deactivate(ctx, b.IPAddress, transition{
			actionType:   models.ActionExpired,
			actionSource: models.ActionSourceExpiry,
			reason:       "block expired",
			actor:        "system",
			commands:     true,
			blockID:      b.ID,
		})
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrNotBlocked):
			// Released concurrently.
		default:
			return released, err
		}
	}
	if released > 0 {
		logger.Component("blocks", "").WithField("released", released).Info("expired blocks swept")
	}
	return released, nil
}

// ActiveBlock returns the active block for address, nil when none.
func (s *BlockService) ActiveBlock(ctx context.Context, address string) (*models.IPBlock, error) {
	b, err := activeBlock(s.db.WithContext(ctx), address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return b, nil
}

// List returns blocks, newest first.
func (s *BlockService) List(ctx context.Context, activeOnly bool, limit int) ([]models.IPBlock, error) {
	var blocks []models.IPBlock
	q := s.db.WithContext(ctx).Order("blocked_at desc").Order("id desc")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return blocks, nil
}

// History returns the audit trail for address, oldest first.
func (s *BlockService) History(ctx context.Context, address string) ([]models.BlockingAction, error) {
	var actions []models.BlockingAction
	if err := s.db.WithContext(ctx).Where("ip_address = ?", address).Order("id asc").Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return actions, nil
}

type transition struct {
	actionType   string
	actionSource string
	reason       string
	actor        string
	commands     bool
	// blockID pins the transition to one row; zero means the active row.
	blockID uint
}

func (s *BlockService) deactivate(ctx context.Context, address string, t transition) (*BlockResult, error) {
	log := logger.Component("blocks", address)
	result := &BlockResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		block, err := activeBlock(tx, address)
		if err != nil {
			return err
		}
		if block == nil || (t.blockID != 0 && block.ID != t.blockID) {
			return ErrNotBlocked
		}

		now := s.now()
		updates := map[string]interface{}{
			"is_active":      false,
			"unblocked_at":   now,
			"unblock_reason": t.reason,
			"unblocked_by":   t.actor,
		}
		if block.Source == models.BlockSourceFail2ban {
			updates["sync_status"] = models.SyncStatusPending
		}
		res := tx.Model(&models.IPBlock{}).Where("id = ? AND is_active = ?", block.ID, true).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotBlocked
		}
		if err := tx.First(block, block.ID).Error; err != nil {
			return err
		}

		action := &models.BlockingAction{
			IPBlockID:    &block.ID,
			IPAddress:    address,
			ActionType:   t.actionType,
			ActionSource: t.actionSource,
			Reason:       t.reason,
			PerformedBy:  t.actor,
			RuleID:       block.BlockingRuleID,
		}
		if err := tx.Create(action).Error; err != nil {
			return err
		}

		result.Block = block
		if !t.commands {
			return nil
		}
		agents, err := s.releaseTargets(tx, block)
		if err != nil {
			return err
		}
		result.AgentGap = len(agents) == 0
		result.Commands, err = queueCommands(tx, agents, models.CommandDeleteDeny, block)
		return err
	})
	if errors.Is(err, ErrNotBlocked) {
		return nil, ErrNotBlocked
	}
	if err != nil {
		log.WithError(err).Error("unblock failed")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	metrics.IncUnblock(t.actionType)
	metrics.AddCommandsQueued(models.CommandDeleteDeny, len(result.Commands))
	log.WithFields(map[string]interface{}{
		"action":   t.actionType,
		"block_id": result.Block.ID,
		"commands": len(result.Commands),
	}).Info("address unblocked")
	s.publish(ctx, result.Commands)
	return result, nil
}

// denyTargets picks the agents that receive a deny. gap is set when a named agent does
// not exist.
func (s *BlockService) denyTargets(tx *gorm.DB, agentID *uint) ([]uint, bool, error) {
	if agentID != nil {
		var agent models.Agent
		if err := tx.First(&agent, *agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, true, nil
			}
			return nil, false, err
		}
		return []uint{agent.ID}, false, nil
	}
	if !s.blockEverywhere {
		return nil, false, nil
	}
	var ids []uint
	if err := tx.Model(&models.Agent{}).Where("is_active = ?", true).Order("id asc").Pluck("id", &ids).Error; err != nil {
		return nil, false, err
	}
	return ids, false, nil
}

// releaseTargets returns every agent that was told to deny the block, falling back to
// the owning agent.
func (s *BlockService) releaseTargets(tx *gorm.DB, block *models.IPBlock) ([]uint, error) {
	var ids []uint
	if err := tx.Model(&models.FirewallCommand{}).
		Where("ip_block_id = ? AND command_type = ?", block.ID, models.CommandDeny).
		Distinct("agent_id").Order("agent_id asc").
		Pluck("agent_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 && block.AgentID != nil {
		var n int64
		if err := tx.Model(&models.Agent{}).Where("id = ?", *block.AgentID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			ids = append(ids, *block.AgentID)
		}
	}
	return ids, nil
}

func (s *BlockService) publish(ctx context.Context, cmds []models.FirewallCommand) {
	if len(cmds) == 0 {
		return
	}
	msgs := make([]events.CommandMessage, 0, len(cmds))
	for _, c := range cmds {
		msgs = append(msgs, events.CommandMessage{
			CorrelationID: c.UUID,
			AgentID:       c.AgentID,
			Type:          c.CommandType,
			Address:       c.IPAddress,
			BlockID:       c.IPBlockID,
			CreatedAt:     c.CreatedAt,
		})
	}
	if err := s.publisher.PublishCommands(ctx, msgs); err != nil {
		logger.Component("blocks", cmds[0].IPAddress).WithError(err).Warn("command publish failed, agents will poll")
	}
}

func queueCommands(tx *gorm.DB, agents []uint, commandType string, block *models.IPBlock) ([]models.FirewallCommand, error) {
	cmds := make([]models.FirewallCommand, 0, len(agents))
	for _, id := range agents {
		cmd := models.FirewallCommand{
			AgentID:     id,
			CommandType: commandType,
			IPAddress:   block.IPAddress,
			IPBlockID:   &block.ID,
		}
		if err := tx.Create(&cmd).Error; err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func activeBlock(tx *gorm.DB, address string) (*models.IPBlock, error) {
	var blocks []models.IPBlock
	if err := tx.Where("ip_address = ? AND is_active = ?", address, true).Limit(1).Find(&blocks).Error; err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return &blocks[0], nil
}

func actionSourceFor(blockSource string) string {
	switch blockSource {
	case models.BlockSourceRuleBased:
		return models.ActionSourceRule
	case models.BlockSourceProactive, models.BlockSourceAnomalyDetection:
		return models.ActionSourceProactive
	case models.BlockSourceFail2ban:
		return models.ActionSourceExternal
	}
	return models.ActionSourceManual
}

func performer(createdBy, source string) string {
	if createdBy != "" {
		return createdBy
	}
	return source
}
