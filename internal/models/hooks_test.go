package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(All()...))
	return db
}

func TestAuthEvent_BeforeCreate(t *testing.T) {
	db := setupTestDB(t)
	ev := &AuthEvent{SourceIP: "198.51.100.4", EventType: EventTypeFailed}
	require.NoError(t, db.Create(ev).Error)

	assert.NotEmpty(t, ev.UUID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.True(t, ev.IsFailure())
	assert.False(t, ev.IsSuccess())
}

func TestAuthEvent_InvalidUserIsFailure(t *testing.T) {
	ev := AuthEvent{EventType: EventTypeInvalidUser}
	assert.True(t, ev.IsFailure())
}

func TestIPBlock_BeforeCreate(t *testing.T) {
	db := setupTestDB(t)
	b := &IPBlock{IPAddress: "198.51.100.4", IsActive: true, Source: BlockSourceManual}
	require.NoError(t, db.Create(b).Error)
	assert.NotEmpty(t, b.UUID)
	assert.True(t, b.IsPermanent())
}

func TestFirewallCommand_DefaultsToPending(t *testing.T) {
	db := setupTestDB(t)
	cmd := &FirewallCommand{AgentID: 1, CommandType: CommandDeny, IPAddress: "198.51.100.4"}
	require.NoError(t, db.Create(cmd).Error)
	assert.Equal(t, CommandPending, cmd.Status)
	assert.NotEmpty(t, cmd.UUID)
}

func TestBlockingRule_BaseDuration(t *testing.T) {
	r := BlockingRule{BlockDurationMinutes: 90}
	assert.Equal(t, "1h30m0s", r.BaseDuration().String())

	r.BlockDurationMinutes = 0
	assert.Zero(t, r.BaseDuration())
}

func TestIPGeolocation_HasCoordinates(t *testing.T) {
	var nilGeo *IPGeolocation
	assert.False(t, nilGeo.HasCoordinates())

	lat, lon := 52.52, 13.40
	g := &IPGeolocation{Latitude: &lat}
	assert.False(t, g.HasCoordinates())
	g.Longitude = &lon
	assert.True(t, g.HasCoordinates())
}
