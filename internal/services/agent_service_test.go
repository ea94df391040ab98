package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
)

func TestAgentService_RegisterAndGet(t *testing.T) {
	f := newEngineFixture(t, nil)
	svc := NewAgentService(f.db, f.state)
	ctx := context.Background()

	agent, err := svc.Register(ctx, "bastion-1", "10.0.0.5")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.UUID)
	assert.True(t, agent.IsActive)

	again, err := svc.Register(ctx, "bastion-1", "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, again.ID)
	assert.Equal(t, "10.0.0.6", again.IPAddress)

	got, err := svc.Get(ctx, agent.UUID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAgentUnknown)

	require.NoError(t, svc.Heartbeat(ctx, got))
	var stored models.Agent
	require.NoError(t, f.db.First(&stored, agent.ID).Error)
	assert.NotNil(t, stored.LastHeartbeat)
}

func TestAgentService_CommandLifecycle(t *testing.T) {
	f := newEngineFixture(t, nil)
	svc := NewAgentService(f.db, f.state)
	ctx := context.Background()
	agent := addAgent(t, f.db, "bastion-1", true)
	other := addAgent(t, f.db, "bastion-2", true)

	for _, addr := range []string{"203.0.113.70", "203.0.113.71"} {
		_, err := f.blocks.Block(ctx, BlockRequest{Address: addr, Source: models.BlockSourceManual, AgentID: &agent.ID})
		require.NoError(t, err)
	}

	cmds, err := svc.PendingCommands(ctx, agent, 1)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "203.0.113.70", cmds[0].IPAddress)
	assert.Equal(t, models.CommandSent, cmds[0].Status)

	rest, err := svc.PendingCommands(ctx, agent, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "203.0.113.71", rest[0].IPAddress)

	none, err := svc.PendingCommands(ctx, agent, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.CompleteCommand(ctx, other, cmds[0].UUID, true, "")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	done, err := svc.CompleteCommand(ctx, agent, cmds[0].UUID, true, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	failed, err := svc.CompleteCommand(ctx, agent, rest[0].UUID, false, "iptables: permission denied")
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, failed.Status)
}

func TestAgentService_ReportFirewallState(t *testing.T) {
	f := newEngineFixture(t, nil)
	svc := NewAgentService(f.db, f.state)
	ctx := context.Background()
	agent := addAgent(t, f.db, "bastion-1", true)

	require.NoError(t, svc.ReportFirewallState(ctx, agent, []string{"203.0.113.80", "203.0.113.81"}))
	denied, err := f.state.DenySet(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, denied, 2)

	reported, err := f.state.ReportedAgents(ctx)
	require.NoError(t, err)
	assert.Contains(t, reported, agent.ID)
}
