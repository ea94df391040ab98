package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_threat_evaluations_total",
		Help: "Total number of composite threat evaluations by resulting risk level",
	}, []string{"risk_level"})
	enrichmentFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_enrichment_failures_total",
		Help: "Total number of signal lookups that degraded a component score to zero",
	}, []string{"signal"})
	blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_blocks_total",
		Help: "Total number of blocks created by source",
	}, []string{"source"})
	alreadyBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_already_blocked_total",
		Help: "Total number of block attempts rejected because an active block exists",
	})
	unblocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_unblocks_total",
		Help: "Total number of blocks deactivated by kind (manual, expired, reconciled)",
	}, []string{"kind"})
	commandsQueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_firewall_commands_queued_total",
		Help: "Total number of firewall commands queued for agents",
	}, []string{"type"})
	ruleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_rule_errors_total",
		Help: "Total number of rules skipped because they were malformed or failed to evaluate",
	})
	reconcileDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_reconcile_drift_total",
		Help: "Total number of active blocks deactivated because the firewall did not hold them",
	})
	proactiveDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_proactive_decisions_total",
		Help: "Total number of proactive classifications by action",
	}, []string{"action"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		evaluationsTotal,
		enrichmentFailuresTotal,
		blocksTotal,
		alreadyBlockedTotal,
		unblocksTotal,
		commandsQueuedTotal,
		ruleErrorsTotal,
		reconcileDriftTotal,
		proactiveDecisionsTotal,
	)
}

// IncEvaluation counts a finished composite evaluation.
func IncEvaluation(riskLevel string) { evaluationsTotal.WithLabelValues(riskLevel).Inc() }

// IncEnrichmentFailure counts a degraded signal lookup.
func IncEnrichmentFailure(signal string) { enrichmentFailuresTotal.WithLabelValues(signal).Inc() }

// IncBlock counts a created block.
func IncBlock(source string) { blocksTotal.WithLabelValues(source).Inc() }

// IncAlreadyBlocked counts a deduplicated block attempt.
func IncAlreadyBlocked() { alreadyBlockedTotal.Inc() }

// IncUnblock counts a deactivated block.
func IncUnblock(kind string) { unblocksTotal.WithLabelValues(kind).Inc() }

// AddCommandsQueued counts queued firewall commands.
func AddCommandsQueued(commandType string, n int) {
	commandsQueuedTotal.WithLabelValues(commandType).Add(float64(n))
}

// IncRuleError counts a skipped rule.
func IncRuleError() { ruleErrorsTotal.Inc() }

// IncReconcileDrift counts a block corrected by reconciliation.
func IncReconcileDrift() { reconcileDriftTotal.Inc() }

// IncProactiveDecision counts a proactive classification.
func IncProactiveDecision(action string) { proactiveDecisionsTotal.WithLabelValues(action).Inc() }
