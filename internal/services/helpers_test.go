package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/cache"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/events"
	"github.com/Wikid82/warden/internal/models"
)

func setupEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) all() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

type recordingPublisher struct {
	mu       sync.Mutex
	commands []events.CommandMessage
	alerts   []events.AlertMessage
}

func (p *recordingPublisher) PublishCommands(_ context.Context, cmds []events.CommandMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmds...)
	return nil
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a events.AlertMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type stubAnalyzer struct {
	analysis *BehaviorAnalysis
	err      error
}

func (s stubAnalyzer) Analyze(context.Context, string, *EventContext) (*BehaviorAnalysis, error) {
	return s.analysis, s.err
}

// engineFixture wires every service against one in-memory database.
type engineFixture struct {
	db         *gorm.DB
	cfg        config.EngineConfig
	history    *History
	enricher   *Enricher
	scorer     *ThreatScorer
	blocks     *BlockService
	rules      *RuleEngine
	classifier *ProactiveClassifier
	reconcile  *ReconciliationService
	state      *StoreFirewallState
	notifier   *recordingNotifier
	publisher  *recordingPublisher
}

func newEngineFixture(t *testing.T, analyzer BehavioralAnalyzer) *engineFixture {
	t.Helper()
	db := setupEngineTestDB(t)
	cfg := config.DefaultEngineConfig()
	f := &engineFixture{
		db:        db,
		cfg:       cfg,
		history:   NewHistory(db),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	source := NewCachedEnrichment(NewStoreEnrichment(db), cache.NewMemoryCache(), 0)
	f.enricher = NewEnricher(source, cfg.EnrichmentTimeout, cfg.FreshnessWindow)
	f.scorer = NewThreatScorer(db, f.enricher, f.history, NewStoredModelScores(f.history, time.Hour), analyzer, cfg)
	f.blocks = NewBlockService(db, f.publisher, false)
	f.rules = NewRuleEngine(db, f.history, f.enricher, f.blocks, f.scorer, f.notifier)
	f.classifier = NewProactiveClassifier(f.scorer, f.blocks, f.notifier, cfg.TemporaryBlock)
	f.state = NewStoreFirewallState(db)
	f.reconcile = NewReconciliationService(db, f.blocks, f.state, f.notifier)
	return f
}

func ptr[T any](v T) *T { return &v }

func addEvent(t *testing.T, db *gorm.DB, e models.AuthEvent) *models.AuthEvent {
	t.Helper()
	require.NoError(t, db.Create(&e).Error)
	return &e
}

// addEvents inserts n events from address, the last one at end, spaced by step.
func addEvents(t *testing.T, db *gorm.DB, address, eventType string, n int, end time.Time, step time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		addEvent(t, db, models.AuthEvent{
			SourceIP:       address,
			TargetUsername: fmt.Sprintf("user%d", i%3),
			EventType:      eventType,
			Timestamp:      end.Add(-time.Duration(n-1-i) * step),
		})
	}
}

func addIntel(t *testing.T, db *gorm.DB, address string, abuse, malware, reports int) {
	t.Helper()
	require.NoError(t, db.Create(&models.IPThreatIntel{
		IPAddress:           address,
		AbuseIPDBScore:      abuse,
		VirusTotalPositives: malware,
		AbuseIPDBReports:    reports,
	}).Error)
}

func addGeo(t *testing.T, db *gorm.DB, geo models.IPGeolocation) {
	t.Helper()
	require.NoError(t, db.Create(&geo).Error)
}

func addAgent(t *testing.T, db *gorm.DB, hostname string, active bool) *models.Agent {
	t.Helper()
	agent := &models.Agent{Hostname: hostname, IsActive: active}
	require.NoError(t, db.Create(agent).Error)
	return agent
}

func addRule(t *testing.T, db *gorm.DB, rule models.BlockingRule, conditions string) *models.BlockingRule {
	t.Helper()
	rule.Conditions = datatypes.JSON(conditions)
	require.NoError(t, db.Create(&rule).Error)
	return &rule
}

func activeCount(t *testing.T, db *gorm.DB, address string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.IPBlock{}).Where("ip_address = ? AND is_active = ?", address, true).Count(&n).Error)
	return n
}
