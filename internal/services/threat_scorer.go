package services

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
)

// Risk levels.
const (
	RiskMinimal  = "minimal"
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Recommended actions, on the same cut points as the risk levels.
const (
	RecommendAllow          = "allow"
	RecommendMonitor        = "monitor"
	RecommendMonitorClosely = "monitor_closely"
	RecommendBlockTemporary = "block_temporary"
	RecommendBlockPermanent = "block_permanent"
)

// Component weights of the composite score.
const (
	weightThreatIntel = 0.35
	weightML          = 0.30
	weightBehavioral  = 0.20
	weightNetwork     = 0.10
	weightGeo         = 0.05
)

// Factor codes attached to evaluations and decisions.
const (
	FactorHighAbuseScore     = "high_abuse_score"
	FactorMalwareDetections  = "malware_detections"
	FactorManyReports        = "many_abuse_reports"
	FactorTor                = "tor_exit_node"
	FactorProxy              = "proxy"
	FactorVPN                = "vpn"
	FactorDatacenter         = "datacenter"
	FactorHighRiskCountry    = "high_risk_country"
	FactorMediumRiskCountry  = "medium_risk_country"
	FactorMLAnomaly          = "ml_anomaly"
	FactorBruteForce         = "brute_force"
	FactorCredentialStuffing = "credential_stuffing"
	FactorUserEnumeration    = "user_enumeration"
	FactorRootTargeting      = "root_targeting"
	FactorImpossibleTravel   = "impossible_travel"
	FactorBruteForceSuccess  = "brute_force_success"
	FactorLateralMovement    = "lateral_movement"
)

// behaviorWindow is how far back behavioral counters look.
const behaviorWindow = time.Hour

// EventContext carries the optional per-event facts an evaluation can use.
type EventContext struct {
	EventID      *uint
	AgentID      *uint
	Username     string
	EventType    string
	TargetServer string
	Timestamp    time.Time
	ModelScore   *int
	IsAnomaly    bool
}

// EventContextFrom builds an EventContext from a stored event.
func EventContextFrom(e *models.AuthEvent) *EventContext {
	if e == nil {
		return nil
	}
	id := e.ID
	return &EventContext{
		EventID:      &id,
		AgentID:      e.AgentID,
		Username:     e.TargetUsername,
		EventType:    e.EventType,
		TargetServer: e.TargetServer,
		Timestamp:    e.Timestamp,
		ModelScore:   e.MLRiskScore,
		IsAnomaly:    e.IsAnomaly,
	}
}

// ComponentScores are the five independent signals, each in [0,100].
type ComponentScores struct {
	ThreatIntel int `json:"threat_intel"`
	ML          int `json:"ml"`
	Network     int `json:"network"`
	Geo         int `json:"geo"`
	Behavioral  int `json:"behavioral"`
}

func (c ComponentScores) values() []int {
	return []int{c.ThreatIntel, c.ML, c.Network, c.Geo, c.Behavioral}
}

// DetectorBoosts are the additive contributions of the specialized detectors.
type DetectorBoosts struct {
	ImpossibleTravel  int `json:"impossible_travel"`
	BruteForceSuccess int `json:"brute_force_success"`
	LateralMovement   int `json:"lateral_movement"`
}

// Total sums the boosts.
func (b DetectorBoosts) Total() int {
	return b.ImpossibleTravel + b.BruteForceSuccess + b.LateralMovement
}

// ThreatEvaluation is the result of one scorer run.
type ThreatEvaluation struct {
	Address           string          `json:"address"`
	Components        ComponentScores `json:"components"`
	Boosts            DetectorBoosts  `json:"boosts"`
	Score             float64         `json:"score"`
	RiskLevel         string          `json:"risk_level"`
	RecommendedAction string          `json:"recommended_action"`
	Confidence        float64         `json:"confidence"`
	Factors           []string        `json:"factors"`
	StaleEnrichment   bool            `json:"stale_enrichment"`
	ReputationScore   int             `json:"reputation_score"`
	CountryCode       string          `json:"country_code,omitempty"`
	// Behavior is the analyzer output when an analyzer produced the behavioral score.
	Behavior    *BehaviorAnalysis `json:"behavior,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// RoundedScore is the composite as a whole number, as stored on blocks.
func (e *ThreatEvaluation) RoundedScore() int {
	return int(math.Round(e.Score))
}

// HasFactor reports whether code is among the evaluation's factors.
func (e *ThreatEvaluation) HasFactor(code string) bool {
	for _, f := range e.Factors {
		if f == code {
			return true
		}
	}
	return false
}

// RiskModel is the external ML collaborator. ok is false when no score exists.
type RiskModel interface {
	ModelScore(ctx context.Context, address string, ev *EventContext) (score int, ok bool, err error)
}

// BehaviorAnalysis is the output of a dedicated behavioral analyzer.
type BehaviorAnalysis struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors"`
}

// BehavioralAnalyzer replaces counter-based behavioral scoring when wired.
type BehavioralAnalyzer interface {
	Analyze(ctx context.Context, address string, ev *EventContext) (*BehaviorAnalysis, error)
}

// StoredModelScores reads scores the ML pipeline wrote onto auth events.
type StoredModelScores struct {
	history  *History
	lookback time.Duration
}

// NewStoredModelScores returns a RiskModel backed by auth_events.ml_risk_score.
func NewStoredModelScores(history *History, lookback time.Duration) *StoredModelScores {
	return &StoredModelScores{history: history, lookback: lookback}
}

func (m *StoredModelScores) ModelScore(ctx context.Context, address string, ev *EventContext) (int, bool, error) {
	if ev != nil && ev.ModelScore != nil {
		return *ev.ModelScore, true, nil
	}
	e, err := m.history.LatestModelScore(ctx, address, time.Now().Add(-m.lookback))
	if err != nil || e == nil {
		return 0, false, err
	}
	return *e.MLRiskScore, true, nil
}

// ThreatScorer fuses enrichment, model output, behavior and detector boosts into a
// composite score.
type ThreatScorer struct {
	db        *gorm.DB
	enricher  *Enricher
	history   *History
	model     RiskModel
	analyzer  BehavioralAnalyzer
	cfg       config.EngineConfig
	highRisk  map[string]bool
	medRisk   map[string]bool
	now       func() time.Time
	logEvents bool
}

// NewThreatScorer returns a scorer. model and analyzer may be nil.
func NewThreatScorer(db *gorm.DB, enricher *Enricher, history *History, model RiskModel, analyzer BehavioralAnalyzer, cfg config.EngineConfig) *ThreatScorer {
	return &ThreatScorer{
		db:        db,
		enricher:  enricher,
		history:   history,
		model:     model,
		analyzer:  analyzer,
		cfg:       cfg,
		highRisk:  toSet(cfg.HighRiskCountries),
		medRisk:   toSet(cfg.MediumRiskCountries),
		now:       time.Now,
		logEvents: true,
	}
}

// Evaluate scores address. It always returns a result; failed lookups only zero their
// own component.
func (s *ThreatScorer) Evaluate(ctx context.Context, address string, ev *EventContext) *ThreatEvaluation {
	now := s.now()
	eval := &ThreatEvaluation{Address: address, EvaluatedAt: now}
	if address == "" {
		eval.RiskLevel = RiskMinimal
		eval.RecommendedAction = RecommendAllow
		return eval
	}
	at := now
	if ev != nil && !ev.Timestamp.IsZero() {
		at = ev.Timestamp
	}
	log := logger.Component("scorer", address)

	snap := s.enricher.Snapshot(ctx, address)
	eval.StaleEnrichment = snap.Stale
	eval.ReputationScore = snap.AbuseScore()
	eval.CountryCode = snap.CountryCode()

	var factors factorSet
	eval.Components.ThreatIntel = threatIntelScore(snap.Intel, &factors)
	eval.Components.Network = networkScore(snap.Geo, &factors)
	eval.Components.Geo = geoScore(snap.CountryCode(), s.highRisk, s.medRisk, &factors)

	modelScore := 0
	if s.model != nil {
		score, ok, err := s.model.ModelScore(ctx, address, ev)
		switch {
		case err != nil:
			metrics.IncEnrichmentFailure("ml")
			log.WithError(err).Warn("model score unavailable")
		case ok:
			modelScore = score
		}
	}
	if ev != nil && ev.IsAnomaly {
		factors.add(FactorMLAnomaly)
	}
	eval.Components.ML = MLScore(modelScore, heuristicScore(snap.Geo, snap.Intel))

	eval.Components.Behavioral, eval.Behavior = s.behavioral(ctx, address, ev, at, &factors)

	eval.Boosts = s.runDetectors(ctx, address, ev, snap.Geo, at, &factors)

	eval.Score = clampFloat(CompositeScore(eval.Components) + float64(eval.Boosts.Total()))
	eval.RiskLevel = RiskLevelFor(eval.Score)
	eval.RecommendedAction = RecommendedActionFor(eval.Score)
	eval.Confidence = Confidence(eval.Components)
	eval.Factors = factors.list()

	metrics.IncEvaluation(eval.RiskLevel)
	s.record(ctx, eval, ev)
	return eval
}

func (s *ThreatScorer) behavioral(ctx context.Context, address string, ev *EventContext, at time.Time, factors *factorSet) (int, *BehaviorAnalysis) {
	if s.analyzer != nil {
		analysis, err := s.analyzer.Analyze(ctx, address, ev)
		if err == nil && analysis != nil {
			factors.add(analysis.Factors...)
			return clamp(analysis.Score), analysis
		}
		metrics.IncEnrichmentFailure("behavioral_analyzer")
		logger.Component("scorer", address).WithError(err).Warn("behavioral analyzer unavailable, using counters")
	}
	counters, err := s.history.Counters(ctx, address, at.Add(-behaviorWindow), at.Add(time.Nanosecond))
	if err != nil {
		metrics.IncEnrichmentFailure("history")
		logger.Component("scorer", address).WithError(err).Warn("behavior history unavailable")
		return 0, nil
	}
	return behavioralScore(counters, factors), nil
}

func (s *ThreatScorer) record(ctx context.Context, eval *ThreatEvaluation, ev *EventContext) {
	if !s.logEvents || s.db == nil {
		return
	}
	components, _ := json.Marshal(struct {
		ComponentScores
		Boosts DetectorBoosts `json:"boosts"`
	}{eval.Components, eval.Boosts})
	factors, _ := json.Marshal(eval.Factors)
	row := models.ThreatEvaluationLog{
		IPAddress:         eval.Address,
		CompositeScore:    eval.RoundedScore(),
		RiskLevel:         eval.RiskLevel,
		RecommendedAction: eval.RecommendedAction,
		Confidence:        eval.Confidence,
		Components:        datatypes.JSON(components),
		Factors:           datatypes.JSON(factors),
		StaleEnrichment:   eval.StaleEnrichment,
	}
	if ev != nil {
		row.EventID = ev.EventID
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Component("scorer", eval.Address).WithError(err).Warn("failed to write evaluation log")
	}
}

// threatIntelScore applies the reputation tiers.
func threatIntelScore(intel *models.IPThreatIntel, factors *factorSet) int {
	if intel == nil {
		return 0
	}
	score := 0
	switch abuse := intel.AbuseIPDBScore; {
	case abuse >= 95:
		score += 55
	case abuse >= 90:
		score += 45
	case abuse >= 75:
		score += 35
	case abuse >= 50:
		score += 25
	case abuse >= 25:
		score += 15
	}
	if intel.AbuseIPDBScore >= 75 {
		factors.add(FactorHighAbuseScore)
	}
	switch malware := intel.VirusTotalPositives; {
	case malware >= 10:
		score += 30
	case malware >= 5:
		score += 20
	case malware >= 1:
		score += 10
	}
	if intel.VirusTotalPositives >= 1 {
		factors.add(FactorMalwareDetections)
	}
	switch reports := intel.AbuseIPDBReports; {
	case reports >= 500:
		score += 20
	case reports >= 100:
		score += 15
	case reports >= 50:
		score += 8
	}
	if intel.AbuseIPDBReports >= 100 {
		factors.add(FactorManyReports)
	}
	return clamp(score)
}

// heuristicScore is the local stand-in for the ML model.
func heuristicScore(geo *models.IPGeolocation, intel *models.IPThreatIntel) int {
	score := 0.0
	if intel != nil {
		score += 0.4 * float64(intel.AbuseIPDBScore)
		score += math.Min(30, 3*float64(intel.VirusTotalPositives))
	}
	if geo != nil {
		if geo.IsTor {
			score += 15
		}
		if geo.IsProxy {
			score += 10
		}
		if geo.IsVPN {
			score += 5
		}
		if geo.IsDatacenter {
			score += 5
		}
	}
	return clamp(int(math.Round(score)))
}

// MLScore never lets a weak model dilute a strong heuristic, or the reverse.
func MLScore(modelScore, heuristic int) int {
	return clamp(max(modelScore, heuristic))
}

// networkScore sums the anonymizer and hosting flags.
func networkScore(geo *models.IPGeolocation, factors *factorSet) int {
	if geo == nil {
		return 0
	}
	score := 0
	if geo.IsTor {
		score += 25
		factors.add(FactorTor)
	}
	if geo.IsProxy {
		score += 20
		factors.add(FactorProxy)
	}
	if geo.IsVPN {
		score += 15
		factors.add(FactorVPN)
	}
	if geo.IsDatacenter {
		score += 10
		factors.add(FactorDatacenter)
	}
	return clamp(score)
}

func geoScore(country string, high, medium map[string]bool, factors *factorSet) int {
	switch {
	case country == "":
		return 0
	case high[country]:
		factors.add(FactorHighRiskCountry)
		return 20
	case medium[country]:
		factors.add(FactorMediumRiskCountry)
		return 10
	}
	return 0
}

// behavioralScore applies the counter tiers used when no analyzer is wired.
func behavioralScore(c BehaviorCounters, factors *factorSet) int {
	score := 0
	switch {
	case c.Failed >= 50:
		score += 40
	case c.Failed >= 20:
		score += 30
	case c.Failed >= 10:
		score += 20
	case c.Failed >= 5:
		score += 10
	}
	if c.Failed >= 20 {
		factors.add(FactorBruteForce)
	}
	switch {
	case c.DistinctUsernames >= 10:
		score += 30
	case c.DistinctUsernames >= 5:
		score += 20
	case c.DistinctUsernames >= 3:
		score += 10
	}
	if c.DistinctUsernames >= 5 {
		factors.add(FactorCredentialStuffing)
	}
	switch {
	case c.RootAttempts >= 10:
		score += 30
	case c.RootAttempts >= 3:
		score += 20
	case c.RootAttempts >= 1:
		score += 10
	}
	if c.RootAttempts >= 3 {
		factors.add(FactorRootTargeting)
	}
	return clamp(score)
}

// CompositeScore weights the components and applies the critical boost, so one
// overwhelming reputation or model signal is never averaged away.
func CompositeScore(c ComponentScores) float64 {
	composite := weightThreatIntel*float64(c.ThreatIntel) +
		weightML*float64(c.ML) +
		weightBehavioral*float64(c.Behavioral) +
		weightNetwork*float64(c.Network) +
		weightGeo*float64(c.Geo)

	m := float64(max(c.ThreatIntel, c.ML))
	switch {
	case m >= 80:
		composite = math.Max(composite, 0.85*m)
	case m >= 60:
		composite = math.Max(composite, 0.75*m)
	}
	return clampFloat(composite)
}

// RiskLevelFor maps a composite score to its level.
func RiskLevelFor(score float64) string {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	}
	return RiskMinimal
}

// RecommendedActionFor maps a composite score to an action.
func RecommendedActionFor(score float64) string {
	switch {
	case score >= 80:
		return RecommendBlockPermanent
	case score >= 60:
		return RecommendBlockTemporary
	case score >= 40:
		return RecommendMonitorClosely
	case score >= 20:
		return RecommendMonitor
	}
	return RecommendAllow
}

// Confidence is signal coverage: the share of non-zero components, plus 0.1 when at
// least three components independently reach the medium band.
func Confidence(c ComponentScores) float64 {
	nonZero, agreeing := 0, 0
	for _, v := range c.values() {
		if v > 0 {
			nonZero++
		}
		if v >= 40 {
			agreeing++
		}
	}
	conf := float64(nonZero) / 5
	if agreeing >= 3 {
		conf += 0.1
	}
	return math.Min(1, conf)
}

func clamp(v int) int {
	return min(100, max(0, v))
}

func clampFloat(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// factorSet keeps factor codes unique in insertion order.
type factorSet struct {
	codes []string
}

func (f *factorSet) add(codes ...string) {
	for _, c := range codes {
		if c == "" {
			continue
		}
		dup := false
		for _, existing := range f.codes {
			if existing == c {
				dup = true
				break
			}
		}
		if !dup {
			f.codes = append(f.codes, c)
		}
	}
}

func (f *factorSet) list() []string {
	if len(f.codes) == 0 {
		return []string{}
	}
	return f.codes
}
