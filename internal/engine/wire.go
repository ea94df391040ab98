package engine

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/cache"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/events"
	"github.com/Wikid82/warden/internal/jobs"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/services"
)

// modelLookback bounds how old a stored model score may be to stand in for an event
// that was never scored.
const modelLookback = time.Hour

// Components is the fully wired service graph shared by the API server, the CLI and
// the background jobs.
type Components struct {
	DB            *gorm.DB
	Cache         cache.Cache
	History       *services.History
	Enricher      *services.Enricher
	Scorer        *services.ThreatScorer
	Blocks        *services.BlockService
	Rules         *services.RuleEngine
	Classifier    *services.ProactiveClassifier
	Reconcile     *services.ReconciliationService
	FirewallState *services.StoreFirewallState
	Agents        *services.AgentService
	Notifications *services.NotificationService
	Engine        *Engine
}

// Wire builds every service over db. store caches enrichment lookups; publisher
// receives firewall commands and alerts. Either may be nil.
func Wire(db *gorm.DB, cfg config.EngineConfig, store cache.Cache, publisher events.Publisher) *Components {
	if store == nil {
		store = cache.NewMemoryCache()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	c := &Components{DB: db, Cache: store}
	c.History = services.NewHistory(db)
	source := services.NewCachedEnrichment(services.NewStoreEnrichment(db), store, cfg.EnrichmentCacheTTL)
	c.Enricher = services.NewEnricher(source, cfg.EnrichmentTimeout, cfg.FreshnessWindow)
	c.Notifications = services.NewNotificationService(db, publisher)
	c.Scorer = services.NewThreatScorer(db, c.Enricher, c.History,
		services.NewStoredModelScores(c.History, modelLookback),
		services.NewPatternAnalyzer(c.History), cfg)
	c.Blocks = services.NewBlockService(db, publisher, cfg.BlockEverywhere)
	c.Rules = services.NewRuleEngine(db, c.History, c.Enricher, c.Blocks, c.Scorer, c.Notifications)
	c.Classifier = services.NewProactiveClassifier(c.Scorer, c.Blocks, c.Notifications, cfg.TemporaryBlock)
	c.FirewallState = services.NewStoreFirewallState(db)
	c.Reconcile = services.NewReconciliationService(db, c.Blocks, c.FirewallState, c.Notifications)
	c.Agents = services.NewAgentService(db, c.FirewallState)
	c.Engine = New(db, c.Rules, c.Classifier)
	return c
}

// Purgers returns the in-memory state the purge job must trim: the throttles of the
// notification service and, when not backed by Redis, the enrichment cache.
func (c *Components) Purgers() []jobs.Purger {
	purgers := []jobs.Purger{c.Notifications}
	if p, ok := c.Cache.(jobs.Purger); ok {
		purgers = append(purgers, p)
	}
	return purgers
}

// Open connects the store and the optional Redis cache and Kafka publisher named in
// cfg, then wires the service graph. The returned func releases everything Open
// acquired.
func Open(cfg config.Config) (*Components, func() error, error) {
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	var closers []func() error
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, sqlDB.Close)
	}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	var store cache.Cache = cache.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, rc.Close)
		store = rc
		logger.Log().WithField("addr", cfg.Redis.Addr).Info("enrichment cache backed by redis")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, kp.Close)
		publisher = kp
		logger.Log().WithField("brokers", cfg.Kafka.Brokers).Info("publishing commands and alerts to kafka")
	}

	return Wire(db, cfg.Engine, store, publisher), closeAll, nil
}
