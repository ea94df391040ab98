package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/cache"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/models"
)

func TestThreatIntelScore_Tiers(t *testing.T) {
	tests := []struct {
		name                    string
		abuse, malware, reports int
		want                    int
	}{
		{"nothing", 0, 0, 0, 0},
		{"abuse 25", 25, 0, 0, 15},
		{"abuse 50", 50, 0, 0, 25},
		{"abuse 75", 75, 0, 0, 35},
		{"abuse 90", 90, 0, 0, 45},
		{"abuse 95", 95, 0, 0, 55},
		{"malware 1", 0, 1, 0, 10},
		{"malware 5", 0, 5, 0, 20},
		{"malware 10", 0, 10, 0, 30},
		{"reports 50", 0, 0, 50, 8},
		{"reports 100", 0, 0, 100, 15},
		{"reports 500", 0, 0, 500, 20},
		{"everything clamps", 100, 50, 1000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f factorSet
			intel := &models.IPThreatIntel{AbuseIPDBScore: tt.abuse, VirusTotalPositives: tt.malware, AbuseIPDBReports: tt.reports}
			assert.Equal(t, tt.want, threatIntelScore(intel, &f))
		})
	}
	var f factorSet
	assert.Zero(t, threatIntelScore(nil, &f))
}

func TestMLScore_TakesTheStrongerSignal(t *testing.T) {
	assert.Equal(t, 70, MLScore(70, 20))
	assert.Equal(t, 55, MLScore(10, 55))
	assert.Equal(t, 100, MLScore(140, 0))

	geo := &models.IPGeolocation{IsTor: true, IsProxy: true, IsVPN: true, IsDatacenter: true}
	intel := &models.IPThreatIntel{AbuseIPDBScore: 50, VirusTotalPositives: 4}
	// 0.4*50 + min(30, 12) + 15+10+5+5
	assert.Equal(t, 67, heuristicScore(geo, intel))
	assert.Equal(t, 30, heuristicScore(nil, &models.IPThreatIntel{VirusTotalPositives: 40}))
}

func TestNetworkAndGeoScores(t *testing.T) {
	var f factorSet
	assert.Equal(t, 70, networkScore(&models.IPGeolocation{IsTor: true, IsProxy: true, IsVPN: true, IsDatacenter: true}, &f))
	assert.Equal(t, 25, networkScore(&models.IPGeolocation{IsTor: true}, &f))
	assert.Zero(t, networkScore(nil, &f))
	assert.Contains(t, f.list(), FactorTor)

	high := toSet([]string{"CN"})
	medium := toSet([]string{"BR"})
	assert.Equal(t, 20, geoScore("CN", high, medium, &f))
	assert.Equal(t, 10, geoScore("BR", high, medium, &f))
	assert.Zero(t, geoScore("DE", high, medium, &f))
	assert.Zero(t, geoScore("", high, medium, &f))
}

func TestBehavioralScore_Tiers(t *testing.T) {
	tests := []struct {
		c    BehaviorCounters
		want int
	}{
		{BehaviorCounters{}, 0},
		{BehaviorCounters{Failed: 5}, 10},
		{BehaviorCounters{Failed: 10}, 20},
		{BehaviorCounters{Failed: 20}, 30},
		{BehaviorCounters{Failed: 50}, 40},
		{BehaviorCounters{DistinctUsernames: 3}, 10},
		{BehaviorCounters{DistinctUsernames: 5}, 20},
		{BehaviorCounters{DistinctUsernames: 10}, 30},
		{BehaviorCounters{RootAttempts: 1}, 10},
		{BehaviorCounters{RootAttempts: 3}, 20},
		{BehaviorCounters{RootAttempts: 10}, 30},
		{BehaviorCounters{Failed: 60, DistinctUsernames: 12, RootAttempts: 15}, 100},
	}
	for _, tt := range tests {
		var f factorSet
		assert.Equal(t, tt.want, behavioralScore(tt.c, &f), "%+v", tt.c)
	}
}

func TestCompositeScore_Clamped(t *testing.T) {
	steps := []int{0, 10, 25, 40, 55, 60, 79, 80, 95, 100}
	for _, ti := range steps {
		for _, ml := range steps {
			for _, b := range steps {
				for _, n := range steps {
					for _, g := range steps {
						s := CompositeScore(ComponentScores{ThreatIntel: ti, ML: ml, Behavioral: b, Network: n, Geo: g})
						if s < 0 || s > 100 {
							t.Fatalf("composite %v out of range for %d/%d/%d/%d/%d", s, ti, ml, b, n, g)
						}
					}
				}
			}
		}
	}
}

func TestCompositeScore_CriticalBoost(t *testing.T) {
	assert.InDelta(t, 80.75, CompositeScore(ComponentScores{ThreatIntel: 95}), 0.001)
	assert.InDelta(t, 0.85*90, CompositeScore(ComponentScores{ML: 90}), 0.001)
	assert.InDelta(t, 0.75*70, CompositeScore(ComponentScores{ThreatIntel: 70}), 0.001)
	// Below 60 the weighted sum stands.
	assert.InDelta(t, 0.35*50, CompositeScore(ComponentScores{ThreatIntel: 50}), 0.001)
	// The boost never lowers a higher weighted sum.
	all := ComponentScores{ThreatIntel: 100, ML: 100, Behavioral: 100, Network: 100, Geo: 100}
	assert.InDelta(t, 100, CompositeScore(all), 0.001)
}

func TestRiskLevelAndAction_CutPoints(t *testing.T) {
	tests := []struct {
		score  float64
		level  string
		action string
	}{
		{0, RiskMinimal, RecommendAllow},
		{19.99, RiskMinimal, RecommendAllow},
		{20, RiskLow, RecommendMonitor},
		{40, RiskMedium, RecommendMonitorClosely},
		{60, RiskHigh, RecommendBlockTemporary},
		{79.9, RiskHigh, RecommendBlockTemporary},
		{80, RiskCritical, RecommendBlockPermanent},
		{100, RiskCritical, RecommendBlockPermanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, RiskLevelFor(tt.score), "score %v", tt.score)
		assert.Equal(t, tt.action, RecommendedActionFor(tt.score), "score %v", tt.score)
	}
}

func TestConfidence(t *testing.T) {
	assert.Zero(t, Confidence(ComponentScores{}))
	assert.InDelta(t, 0.2, Confidence(ComponentScores{ThreatIntel: 10}), 0.0001)
	assert.InDelta(t, 0.6, Confidence(ComponentScores{ThreatIntel: 10, ML: 10, Geo: 10}), 0.0001)
	assert.InDelta(t, 0.7, Confidence(ComponentScores{ThreatIntel: 50, ML: 50, Behavioral: 40}), 0.0001)
	assert.InDelta(t, 1.0, Confidence(ComponentScores{ThreatIntel: 90, ML: 90, Behavioral: 90, Network: 90, Geo: 90}), 0.0001)
}

func TestThreatScorer_EvaluateHighReputation(t *testing.T) {
	f := newEngineFixture(t, nil)
	addIntel(t, f.db, "203.0.113.50", 95, 0, 0)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.50", nil)
	assert.Equal(t, 55, eval.Components.ThreatIntel)
	assert.Equal(t, 38, eval.Components.ML)
	assert.Equal(t, 95, eval.ReputationScore)
	assert.Contains(t, eval.Factors, FactorHighAbuseScore)

	var logs []models.ThreatEvaluationLog
	require.NoError(t, f.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, eval.RoundedScore(), logs[0].CompositeScore)
	assert.Equal(t, eval.RiskLevel, logs[0].RiskLevel)
}

func TestThreatScorer_CriticalIntelDominates(t *testing.T) {
	f := newEngineFixture(t, nil)
	addIntel(t, f.db, "203.0.113.51", 100, 10, 500)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.51", nil)
	assert.Equal(t, 100, eval.Components.ThreatIntel)
	assert.GreaterOrEqual(t, eval.Score, 85.0)
	assert.Equal(t, RiskCritical, eval.RiskLevel)
	assert.Equal(t, RecommendBlockPermanent, eval.RecommendedAction)
}

func TestThreatScorer_ModelScoreFromEvent(t *testing.T) {
	f := newEngineFixture(t, nil)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.52", &EventContext{EventType: models.EventTypeFailed, ModelScore: ptr(88)})
	assert.Equal(t, 88, eval.Components.ML)
	assert.InDelta(t, 0.85*88, eval.Score, 0.001)
}

func TestThreatScorer_BehavioralCounters(t *testing.T) {
	f := newEngineFixture(t, nil)
	now := time.Now()
	addEvents(t, f.db, "203.0.113.53", models.EventTypeFailed, 20, now.Add(-time.Minute), 10*time.Second)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.53", nil)
	// 20 failures (30) + 3 usernames (10)
	assert.Equal(t, 40, eval.Components.Behavioral)
	assert.Contains(t, eval.Factors, FactorBruteForce)
}

func TestThreatScorer_AnalyzerTakesPrecedence(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{analysis: &BehaviorAnalysis{Score: 77, Factors: []string{FactorCredentialStuffing}}})

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.54", nil)
	assert.Equal(t, 77, eval.Components.Behavioral)
	require.NotNil(t, eval.Behavior)
	assert.Contains(t, eval.Factors, FactorCredentialStuffing)
}

func TestThreatScorer_AnalyzerFailureFallsBackToCounters(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{err: errors.New("analyzer down")})
	addEvents(t, f.db, "203.0.113.55", models.EventTypeFailed, 5, time.Now().Add(-time.Minute), time.Second)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.55", nil)
	assert.Equal(t, 20, eval.Components.Behavioral)
	assert.Nil(t, eval.Behavior)
}

func TestThreatScorer_EmptyAddress(t *testing.T) {
	f := newEngineFixture(t, nil)
	eval := f.scorer.Evaluate(context.Background(), "", nil)
	assert.Zero(t, eval.Score)
	assert.Equal(t, RecommendAllow, eval.RecommendedAction)
}

type failingSource struct{}

func (failingSource) Geolocation(context.Context, string) (*models.IPGeolocation, error) {
	return nil, ErrEnrichmentUnavailable
}

func (failingSource) ThreatIntel(context.Context, string) (*models.IPThreatIntel, error) {
	return nil, ErrEnrichmentUnavailable
}

func TestThreatScorer_EnrichmentFailureDegrades(t *testing.T) {
	db := setupEngineTestDB(t)
	cfg := config.DefaultEngineConfig()
	history := NewHistory(db)
	scorer := NewThreatScorer(db, NewEnricher(failingSource{}, time.Second, time.Hour), history, NewStoredModelScores(history, time.Hour), nil, cfg)

	eval := scorer.Evaluate(context.Background(), "203.0.113.56", &EventContext{ModelScore: ptr(40)})
	require.NotNil(t, eval)
	assert.Zero(t, eval.Components.ThreatIntel)
	assert.Zero(t, eval.Components.Network)
	assert.Zero(t, eval.Components.Geo)
	assert.Equal(t, 40, eval.Components.ML)
}

func TestThreatScorer_FlagsStaleEnrichment(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.db.Create(&models.IPThreatIntel{IPAddress: "203.0.113.57", AbuseIPDBScore: 30}).Error)
	require.NoError(t, f.db.Model(&models.IPThreatIntel{}).Where("ip_address = ?", "203.0.113.57").
		UpdateColumn("updated_at", time.Now().Add(-72*time.Hour)).Error)

	eval := f.scorer.Evaluate(context.Background(), "203.0.113.57", nil)
	assert.True(t, eval.StaleEnrichment)
	assert.Equal(t, 15, eval.Components.ThreatIntel)
}

func TestCachedEnrichment_ReadThrough(t *testing.T) {
	db := setupEngineTestDB(t)
	addIntel(t, db, "203.0.113.58", 60, 0, 0)
	c := cache.NewMemoryCache()
	source := NewCachedEnrichment(NewStoreEnrichment(db), c, time.Minute)
	ctx := context.Background()

	intel, err := source.ThreatIntel(ctx, "203.0.113.58")
	require.NoError(t, err)
	require.NotNil(t, intel)
	assert.Equal(t, 60, intel.AbuseIPDBScore)

	// Served from cache after the row changes.
	require.NoError(t, db.Model(&models.IPThreatIntel{}).Where("ip_address = ?", "203.0.113.58").Update("abuseipdb_score", 10).Error)
	intel, err = source.ThreatIntel(ctx, "203.0.113.58")
	require.NoError(t, err)
	assert.Equal(t, 60, intel.AbuseIPDBScore)

	geo, err := source.Geolocation(ctx, "203.0.113.58")
	require.NoError(t, err)
	assert.Nil(t, geo)
	assert.Equal(t, 2, c.Len())
}

type slowSource struct{}

func (slowSource) Geolocation(ctx context.Context, _ string) (*models.IPGeolocation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowSource) ThreatIntel(ctx context.Context, _ string) (*models.IPThreatIntel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEnricher_TimeoutDegrades(t *testing.T) {
	e := NewEnricher(slowSource{}, 20*time.Millisecond, time.Hour)

	start := time.Now()
	snap := e.Snapshot(context.Background(), "203.0.113.59")
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, snap.GeoErr, context.DeadlineExceeded)
	assert.ErrorIs(t, snap.IntelErr, context.DeadlineExceeded)
	assert.Nil(t, snap.Geo)
	assert.Zero(t, snap.AbuseScore())
}
