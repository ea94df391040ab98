package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
)

var ErrCommandNotFound = errors.New("firewall command not found")

// AgentService backs the agent-facing endpoints: command polling, command results,
// heartbeats and firewall state reports.
type AgentService struct {
	db    *gorm.DB
	state *StoreFirewallState
	now   func() time.Time
}

// NewAgentService returns an AgentService.
func NewAgentService(db *gorm.DB, state *StoreFirewallState) *AgentService {
	return &AgentService{db: db, state: state, now: time.Now}
}

// Get returns the agent with the given UUID.
func (s *AgentService) Get(ctx context.Context, agentUUID string) (*models.Agent, error) {
	var agent models.Agent
	if err := s.db.WithContext(ctx).Where("uuid = ?", agentUUID).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentUnknown
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return &agent, nil
}

// Register creates an agent, or reactivates the one with the same hostname.
func (s *AgentService) Register(ctx context.Context, hostname, address string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).Where("hostname = ?", hostname).First(&agent).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		agent = models.Agent{Hostname: hostname, IPAddress: address, IsActive: true}
		if err := s.db.WithContext(ctx).Create(&agent).Error; err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		agent.IPAddress = address
		agent.IsActive = true
		if err := s.db.WithContext(ctx).Save(&agent).Error; err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return &agent, nil
}

// Heartbeat records that the agent is alive.
func (s *AgentService) Heartbeat(ctx context.Context, agent *models.Agent) error {
	now := s.now()
	agent.LastHeartbeat = &now
	if err := s.db.WithContext(ctx).Model(agent).Updates(map[string]interface{}{
		"last_heartbeat": now,
		"is_active":      true,
	}).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// PendingCommands hands out the agent's pending commands in creation order and marks
// them sent.
func (s *AgentService) PendingCommands(ctx context.Context, agent *models.Agent, limit int) ([]models.FirewallCommand, error) {
	var cmds []models.FirewallCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("agent_id = ? AND status = ?", agent.ID, models.CommandPending).Order("id asc")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&cmds).Error; err != nil {
			return err
		}
		if len(cmds) == 0 {
			return nil
		}
		ids := make([]uint, len(cmds))
		now := s.now()
		for i := range cmds {
			ids[i] = cmds[i].ID
			cmds[i].Status = models.CommandSent
			cmds[i].SentAt = &now
		}
		return tx.Model(&models.FirewallCommand{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":  models.CommandSent,
			"sent_at": now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return cmds, nil
}

// CompleteCommand records the agent's result for a command it owns.
func (s *AgentService) CompleteCommand(ctx context.Context, agent *models.Agent, correlationID string, success bool, result string) (*models.FirewallCommand, error) {
	var cmd models.FirewallCommand
	if err := s.db.WithContext(ctx).Where("uuid = ? AND agent_id = ?", correlationID, agent.ID).First(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	now := s.now()
	cmd.Status = models.CommandCompleted
	if !success {
		cmd.Status = models.CommandFailed
		logger.Component("agents", cmd.IPAddress).WithFields(map[string]interface{}{
			"agent_id": agent.ID,
			"command":  cmd.CommandType,
			"result":   result,
		}).Warn("agent reported command failure")
	}
	cmd.Result = result
	cmd.CompletedAt = &now
	if err := s.db.WithContext(ctx).Save(&cmd).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return &cmd, nil
}

// ReportFirewallState replaces the agent's reported deny set.
func (s *AgentService) ReportFirewallState(ctx context.Context, agent *models.Agent, addresses []string) error {
	if err := s.state.ReplaceDenySet(ctx, agent.ID, addresses, s.now()); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
