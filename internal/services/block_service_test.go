package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
)

func TestEscalationPolicy_Duration(t *testing.T) {
	p := DefaultEscalationPolicy()
	base := 90 * time.Minute

	tests := []struct {
		offense int
		want    time.Duration
	}{
		{1, base},
		{2, 2 * base},
		{3, 7 * 24 * time.Hour},
		{4, 30 * 24 * time.Hour},
		{9, 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Duration(base, tt.offense), "offense %d", tt.offense)
	}
	assert.Zero(t, p.Duration(0, 4), "permanent stays permanent")
}

func TestBlockService_Block(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	agent := addAgent(t, f.db, "web-1", true)

	res, err := f.blocks.Block(ctx, BlockRequest{
		Address:     "203.0.113.5",
		Reason:      "test",
		Source:      models.BlockSourceManual,
		Duration:    time.Hour,
		AutoUnblock: true,
		AgentID:     &agent.ID,
		CreatedBy:   "admin",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Block)
	assert.True(t, res.Block.IsActive)
	assert.Equal(t, 60, res.Block.DurationMinutes)
	require.NotNil(t, res.Block.UnblockAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *res.Block.UnblockAt, 5*time.Second)

	require.Len(t, res.Commands, 1)
	assert.Equal(t, models.CommandDeny, res.Commands[0].CommandType)
	assert.Equal(t, agent.ID, res.Commands[0].AgentID)
	assert.Equal(t, models.CommandPending, res.Commands[0].Status)
	assert.NotEmpty(t, res.Commands[0].UUID)

	actions, err := f.blocks.History(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionBlocked, actions[0].ActionType)
	assert.Equal(t, models.ActionSourceManual, actions[0].ActionSource)
	assert.Equal(t, "admin", actions[0].PerformedBy)

	require.Len(t, f.publisher.commands, 1)
	assert.Equal(t, res.Commands[0].UUID, f.publisher.commands[0].CorrelationID)
}

func TestBlockService_BlockTwiceIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	first, err := f.blocks.Block(ctx, BlockRequest{Address: "203.0.113.6", Reason: "one"})
	require.NoError(t, err)

	second, err := f.blocks.Block(ctx, BlockRequest{Address: "203.0.113.6", Reason: "two"})
	assert.ErrorIs(t, err, ErrAlreadyBlocked)
	require.NotNil(t, second.Block)
	assert.Equal(t, first.Block.ID, second.Block.ID)
	assert.EqualValues(t, 1, activeCount(t, f.db, "203.0.113.6"))
}

func TestBlockService_ConcurrentBlocksKeepOneActive(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	const workers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		ids       = map[uint]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.blocks.Block(ctx, BlockRequest{Address: "198.51.100.77", Reason: "race", Source: models.BlockSourceProactive})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
				ids[res.Block.ID] = true
			case assert.ErrorIs(t, err, ErrAlreadyBlocked):
				conflicts++
				if res != nil && res.Block != nil {
					ids[res.Block.ID] = true
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
	assert.Len(t, ids, 1, "every caller sees the same block")
	assert.EqualValues(t, 1, activeCount(t, f.db, "198.51.100.77"))
}

func TestBlockService_EscalatesRepeatOffenders(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	base := 2 * time.Hour
	want := []int{120, 240, 7 * 24 * 60, 30 * 24 * 60, 30 * 24 * 60}

	for i, minutes := range want {
		res, err := f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.10", Reason: "repeat", Duration: base, AutoUnblock: true})
		require.NoError(t, err)
		assert.Equal(t, minutes, res.Block.DurationMinutes, "offense %d", i+1)
		assert.Equal(t, i, res.Block.EscalationCount)

		_, err = f.blocks.Unblock(ctx, "192.0.2.10", "reset", "admin")
		require.NoError(t, err)
	}
}

func TestBlockService_PermanentBlock(t *testing.T) {
	f := newEngineFixture(t, nil)

	res, err := f.blocks.Block(context.Background(), BlockRequest{Address: "192.0.2.11", AutoUnblock: true})
	require.NoError(t, err)
	assert.True(t, res.Block.IsPermanent())
	assert.False(t, res.Block.AutoUnblock)
}

func TestBlockService_InvalidAddress(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.blocks.Block(context.Background(), BlockRequest{Address: "not-an-ip"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBlockService_UnknownAgentStillBlocks(t *testing.T) {
	f := newEngineFixture(t, nil)

	res, err := f.blocks.Block(context.Background(), BlockRequest{Address: "192.0.2.12", AgentID: ptr(uint(999))})
	require.NoError(t, err)
	assert.True(t, res.AgentGap)
	assert.Empty(t, res.Commands)
	assert.EqualValues(t, 1, activeCount(t, f.db, "192.0.2.12"))
}

func TestBlockService_BlockEverywhere(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.blocks = NewBlockService(f.db, nil, true)
	a1 := addAgent(t, f.db, "web-1", true)
	a2 := addAgent(t, f.db, "web-2", true)
	addAgent(t, f.db, "retired", false)

	res, err := f.blocks.Block(context.Background(), BlockRequest{Address: "192.0.2.13"})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
	assert.Equal(t, a1.ID, res.Commands[0].AgentID)
	assert.Equal(t, a2.ID, res.Commands[1].AgentID)
}

func TestBlockService_RuleCountersIncremented(t *testing.T) {
	f := newEngineFixture(t, nil)
	rule := addRule(t, f.db, models.BlockingRule{Name: "r", RuleType: models.RuleTypeBruteForce, IsEnabled: true}, `{"threshold":1,"time_window_minutes":5}`)

	_, err := f.blocks.Block(context.Background(), BlockRequest{Address: "192.0.2.14", Source: models.BlockSourceRuleBased, RuleID: &rule.ID})
	require.NoError(t, err)

	var got models.BlockingRule
	require.NoError(t, f.db.First(&got, rule.ID).Error)
	assert.Equal(t, 1, got.TimesTriggered)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestBlockService_AuditFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.db.Migrator().DropTable(&models.BlockingAction{}))

	_, err := f.blocks.Block(context.Background(), BlockRequest{Address: "192.0.2.15"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	var n int64
	require.NoError(t, f.db.Model(&models.IPBlock{}).Where("ip_address = ?", "192.0.2.15").Count(&n).Error)
	assert.Zero(t, n)
}

func TestBlockService_Unblock(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	agent := addAgent(t, f.db, "web-1", true)

	_, err := f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.20", AgentID: &agent.ID})
	require.NoError(t, err)

	res, err := f.blocks.Unblock(ctx, "192.0.2.20", "false positive", "admin")
	require.NoError(t, err)
	assert.False(t, res.Block.IsActive)
	assert.Equal(t, "false positive", res.Block.UnblockReason)
	assert.Equal(t, "admin", res.Block.UnblockedBy)
	assert.NotNil(t, res.Block.UnblockedAt)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, models.CommandDeleteDeny, res.Commands[0].CommandType)
	assert.Equal(t, agent.ID, res.Commands[0].AgentID)

	actions, err := f.blocks.History(ctx, "192.0.2.20")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionUnblocked, actions[1].ActionType)

	_, err = f.blocks.Unblock(ctx, "192.0.2.20", "again", "admin")
	assert.ErrorIs(t, err, ErrNotBlocked)
}

func TestBlockService_UnblockFail2banMarksSyncPending(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	_, err := f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.21", Source: models.BlockSourceFail2ban})
	require.NoError(t, err)

	res, err := f.blocks.Unblock(ctx, "192.0.2.21", "admin release", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, res.Block.SyncStatus)
}

func TestBlockService_SweepExpired(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	_, err := f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.30", Duration: time.Minute, AutoUnblock: true})
	require.NoError(t, err)
	_, err = f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.31", Duration: time.Minute, AutoUnblock: false})
	require.NoError(t, err)
	_, err = f.blocks.Block(ctx, BlockRequest{Address: "192.0.2.32", Duration: 24 * time.Hour, AutoUnblock: true})
	require.NoError(t, err)

	f.blocks.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	released, err := f.blocks.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	assert.Zero(t, activeCount(t, f.db, "192.0.2.30"))
	assert.EqualValues(t, 1, activeCount(t, f.db, "192.0.2.31"))
	assert.EqualValues(t, 1, activeCount(t, f.db, "192.0.2.32"))

	actions, err := f.blocks.History(ctx, "192.0.2.30")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionExpired, actions[1].ActionType)
	assert.Equal(t, models.ActionSourceExpiry, actions[1].ActionSource)

	released, err = f.blocks.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
}
