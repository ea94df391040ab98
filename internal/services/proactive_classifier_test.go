package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
)

func TestIsNonRoutable(t *testing.T) {
	tests := map[string]bool{
		"10.1.2.3":      true,
		"172.20.0.1":    true,
		"192.168.1.10":  true,
		"127.0.0.1":     true,
		"100.64.3.3":    true,
		"::1":           true,
		"fd00::1":       true,
		"not-an-ip":     true,
		"203.0.113.5":   false,
		"8.8.8.8":       false,
		"2001:db8::abc": false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, IsNonRoutable(addr), addr)
	}
}

func TestProactiveClassifier_NonRoutableIsIgnored(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{analysis: &BehaviorAnalysis{Score: 100}})
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "192.168.1.50", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	out, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, DecisionNoAction, out.Decision.Action)
	assert.Equal(t, MethodSkipped, out.Decision.Method)
	assert.Nil(t, out.Block)
	assert.Empty(t, f.notifier.all())

	var logs int64
	require.NoError(t, f.db.Model(&models.ThreatEvaluationLog{}).Count(&logs).Error)
	assert.Zero(t, logs)
}

func TestProactiveClassifier_NilEvent(t *testing.T) {
	f := newEngineFixture(t, nil)
	d := f.classifier.Classify(context.Background(), nil)
	assert.Equal(t, DecisionNoAction, d.Action)
}

func TestProactiveClassifier_CompositePermanentBlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	addIntel(t, f.db, "203.0.113.200", 100, 10, 500)
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "203.0.113.200", TargetUsername: "root", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	out, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlockPermanent, out.Decision.Action)
	assert.Equal(t, MethodCompositeScore, out.Decision.Method)
	assert.InDelta(t, 85.0, out.Decision.Score, 0.001)

	require.NotNil(t, out.Block)
	block := out.Block.Block
	assert.Equal(t, models.BlockSourceProactive, block.Source)
	assert.Nil(t, block.UnblockAt)
	assert.False(t, block.AutoUnblock)
	require.NotNil(t, block.ThreatScore)
	assert.Equal(t, 85, *block.ThreatScore)
	assert.Equal(t, ev.ID, *block.TriggerEventID)
	assert.Equal(t, "proactive_classifier", block.CreatedBy)

	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, EventBlock, alerts[0].EventType)
	assert.Equal(t, 85, alerts[0].Score)
}

func TestProactiveClassifier_CompositeTemporaryBlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	addIntel(t, f.db, "203.0.113.201", 95, 5, 50)
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "203.0.113.201", TargetUsername: "deploy", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	out, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlockTemporary, out.Decision.Action)
	assert.InDelta(t, 70.55, out.Decision.Score, 0.001)

	require.NotNil(t, out.Block)
	block := out.Block.Block
	assert.True(t, block.AutoUnblock)
	assert.Equal(t, 48*60, block.DurationMinutes)
	require.NotNil(t, block.UnblockAt)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), *block.UnblockAt, time.Minute)
	assert.Equal(t, 71, *block.ThreatScore)
}

func TestProactiveClassifier_AlreadyBlockedIsNotAnError(t *testing.T) {
	f := newEngineFixture(t, nil)
	addIntel(t, f.db, "203.0.113.202", 100, 10, 500)
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "203.0.113.202", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	first, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	second, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, second.AlreadyBlocked)
	assert.Equal(t, first.Block.Block.ID, second.Block.Block.ID)
	assert.EqualValues(t, 1, activeCount(t, f.db, "203.0.113.202"))
	assert.Len(t, f.notifier.all(), 1)
}

func TestProactiveClassifier_AnalyzerThresholds(t *testing.T) {
	tests := []struct {
		name       string
		score      int
		factors    []string
		reputation int
		want       string
	}{
		{name: "medium with clean reputation suppressed", score: 50, reputation: 10, want: DecisionNoAction},
		{name: "medium with some reputation alerts", score: 50, reputation: 30, want: DecisionAlert},
		{name: "priority factor escalates to permanent", score: 65, factors: []string{FactorBruteForce}, reputation: 30, want: DecisionBlockPermanent},
		{name: "credential stuffing escalates to permanent", score: 60, factors: []string{FactorCredentialStuffing}, reputation: 30, want: DecisionBlockPermanent},
		{name: "high without priority factor is temporary", score: 65, reputation: 30, want: DecisionBlockTemporary},
		{name: "critical", score: 90, reputation: 30, want: DecisionBlockPermanent},
		{name: "low with factor", score: 25, factors: []string{FactorUserEnumeration}, reputation: 30, want: DecisionAlertLow},
		{name: "low without factor", score: 25, reputation: 30, want: DecisionNoAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, stubAnalyzer{analysis: &BehaviorAnalysis{Score: tt.score, Factors: tt.factors}})
			addIntel(t, f.db, "198.51.100.9", tt.reputation, 0, 0)
			ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "198.51.100.9", EventType: models.EventTypeFailed, Timestamp: time.Now()})

			d := f.classifier.Classify(context.Background(), ev)
			assert.Equal(t, tt.want, d.Action, d.Reason)
			assert.Equal(t, MethodBehavioralAnalyzer, d.Method)
			assert.InDelta(t, float64(tt.score), d.Score, 0.001)
		})
	}
}

func TestProactiveClassifier_CompositeWinsOverLowerAnalyzerScore(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{analysis: &BehaviorAnalysis{Score: 0}})
	addIntel(t, f.db, "198.51.100.12", 100, 20, 1000)
	addGeo(t, f.db, models.IPGeolocation{IPAddress: "198.51.100.12", CountryCode: "NL", IsTor: true, IsProxy: true})
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "198.51.100.12", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	d := f.classifier.Classify(context.Background(), ev)
	assert.Equal(t, MethodCompositeScore, d.Method)
	assert.GreaterOrEqual(t, d.Score, 80.0)
	assert.Equal(t, DecisionBlockPermanent, d.Action, d.Reason)
	assert.Equal(t, d.Evaluation.Score, d.Score)
}

func TestProactiveClassifier_AnalyzerFailureFallsBackToComposite(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{err: assert.AnError})
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "198.51.100.10", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	d := f.classifier.Classify(context.Background(), ev)
	assert.Equal(t, MethodCompositeScore, d.Method)
	assert.Equal(t, DecisionNoAction, d.Action)
}

func TestProactiveClassifier_AlertIsNotified(t *testing.T) {
	f := newEngineFixture(t, stubAnalyzer{analysis: &BehaviorAnalysis{Score: 45, Factors: []string{FactorRootTargeting}}})
	addIntel(t, f.db, "198.51.100.11", 40, 0, 0)
	ev := addEvent(t, f.db, models.AuthEvent{SourceIP: "198.51.100.11", EventType: models.EventTypeFailed, Timestamp: time.Now()})

	out, err := f.classifier.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, DecisionAlert, out.Decision.Action)
	assert.Nil(t, out.Block)
	assert.Zero(t, activeCount(t, f.db, "198.51.100.11"))

	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, EventAlert, alerts[0].EventType)
	assert.Contains(t, alerts[0].Factors, FactorRootTargeting)
}
