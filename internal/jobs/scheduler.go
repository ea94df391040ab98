// Package jobs runs the engine's background maintenance on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/services"
)

// jobTimeout bounds a single run so a stuck store cannot pile up overlapping jobs.
const jobTimeout = 2 * time.Minute

// defaultPurgeSpec applies when purgers are registered without a spec.
const defaultPurgeSpec = "@every 10m"

// Reconciler is the part of the reconciliation service the scheduler needs.
type Reconciler interface {
	Reconcile(ctx context.Context, agentID *uint) (*services.ReconcileReport, error)
}

// Sweeper releases blocks whose duration has elapsed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Purger drops idle in-memory state, such as expired cache entries or unused
// throttles, and returns how many entries it removed.
type Purger interface {
	Purge() int
}

// Scheduler owns the cron instance for reconciliation, the expiry sweep and the
// in-memory purge.
type Scheduler struct {
	Cron *cron.Cron

	reconciler Reconciler
	sweeper    Sweeper
	purgers    []Purger
}

// NewScheduler registers the jobs. The purge job is added only when purgers are
// given. Overlapping runs of the same job are skipped.
func NewScheduler(cfg config.JobsConfig, reconciler Reconciler, sweeper Sweeper, purgers ...Purger) (*Scheduler, error) {
	s := &Scheduler{
		Cron:       cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		reconciler: reconciler,
		sweeper:    sweeper,
		purgers:    purgers,
	}
	if _, err := s.Cron.AddFunc(cfg.ReconcileSpec, s.RunReconcile); err != nil {
		return nil, fmt.Errorf("schedule reconciliation %q: %w", cfg.ReconcileSpec, err)
	}
	if _, err := s.Cron.AddFunc(cfg.ExpirySpec, s.RunSweep); err != nil {
		return nil, fmt.Errorf("schedule expiry sweep %q: %w", cfg.ExpirySpec, err)
	}
	if len(purgers) > 0 {
		spec := cfg.PurgeSpec
		if spec == "" {
			spec = defaultPurgeSpec
		}
		if _, err := s.Cron.AddFunc(spec, s.RunPurge); err != nil {
			return nil, fmt.Errorf("schedule purge %q: %w", spec, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.Cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.Cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunReconcile performs one reconciliation over all agents.
func (s *Scheduler) RunReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	report, err := s.reconciler.Reconcile(ctx, nil)
	if err != nil {
		logger.Component("jobs", "").WithError(err).Error("scheduled reconciliation failed")
		return
	}
	logger.Component("jobs", "").WithField("deactivated", len(report.Deactivated)).Debug("scheduled reconciliation done")
}

// RunSweep releases expired blocks.
func (s *Scheduler) RunSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		logger.Component("jobs", "").WithError(err).Error("expiry sweep failed")
		return
	}
	if n > 0 {
		logger.Component("jobs", "").WithField("released", n).Info("expired blocks released")
	}
}

// RunPurge drops idle in-memory state from every purger.
func (s *Scheduler) RunPurge() {
	removed := 0
	for _, p := range s.purgers {
		removed += p.Purge()
	}
	if removed > 0 {
		logger.Component("jobs", "").WithField("removed", removed).Debug("in-memory state purged")
	}
}

// cronLogger routes cron's own messages through logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Component("cron", "").WithFields(fields(keysAndValues)).Debug(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Component("cron", "").WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
