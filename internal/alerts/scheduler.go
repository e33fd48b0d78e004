package alerts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/logsentry/internal/metrics"
	"github.com/marcus-qen/logsentry/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultCheckInterval is used when the scheduler is given no interval.
const DefaultCheckInterval = time.Minute

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
	Rules    []Rule
}

// Scheduler evaluates enabled rules on a fixed interval.
//
// At most one batch runs at a time: a tick that arrives while a batch is in
// flight is dropped, not queued. Rules within a batch run sequentially in
// configuration order.
type Scheduler struct {
	enabled   bool
	interval  time.Duration
	rules     []Rule
	evaluator *Evaluator
	cooldowns *CooldownTracker
	logger    *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that owns its cooldown state.
func NewScheduler(cfg SchedulerConfig, logs LogCounter, history HistorySink, notifier Notifier, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	cooldowns := NewCooldownTracker()
	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)

	return &Scheduler{
		enabled:   cfg.Enabled,
		interval:  cfg.Interval,
		rules:     rules,
		evaluator: NewEvaluator(logs, history, notifier, cooldowns, logger),
		cooldowns: cooldowns,
		logger:    logger,
	}
}

// Evaluator returns the evaluator used for each rule.
func (s *Scheduler) Evaluator() *Evaluator {
	return s.evaluator
}

// Cooldowns returns the scheduler's cooldown tracker.
func (s *Scheduler) Cooldowns() *CooldownTracker {
	return s.cooldowns
}

// Rules returns a copy of the configured rules.
func (s *Scheduler) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Rule looks up a configured rule by name.
func (s *Scheduler) Rule(name string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Enabled reports whether alerting is switched on.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// Running reports whether a batch is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins periodic evaluation. It does nothing when alerting is
// disabled and is safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.enabled {
		s.logger.Info("alerting disabled; scheduler not started")
		return
	}

	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	ticker := s.ticker
	s.mu.Unlock()

	s.logger.Info("alert scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("rules", len(s.rules)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				// Run off the loop goroutine so a tick during a long batch
				// hits the single-flight guard instead of queueing.
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.RunOnce(loopCtx)
				}()
			}
		}
	}()
}

// Stop cancels the timer and waits for the current batch to finish its
// current rule.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RunOnce evaluates every enabled rule once. It returns false without doing
// anything if another batch is already running.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		metrics.BatchesSkippedTotal.Inc()
		s.logger.Debug("alert batch still running; tick skipped")
		return false
	}
	defer s.running.Store(false)

	enabled := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	start := time.Now()
	ctx, span := telemetry.StartBatchSpan(ctx, len(enabled))
	defer span.End()

	for _, rule := range enabled {
		if ctx.Err() != nil {
			s.logger.Info("alert batch interrupted by shutdown", zap.String("next_rule", rule.Name))
			break
		}
		s.evaluateSafely(ctx, rule)
	}

	metrics.RecordBatch(time.Since(start))
	return true
}

func (s *Scheduler) evaluateSafely(ctx context.Context, rule Rule) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEvaluation(rule.Name, "panic")
			s.logger.Error("alert rule evaluation panicked",
				zap.String("rule", rule.Name), zap.Error(fmt.Errorf("%v", r)))
		}
	}()

	res := s.evaluator.Evaluate(ctx, rule)
	metrics.RecordEvaluation(rule.Name, string(res.Outcome))
	if res.Err != nil {
		s.logger.Warn("alert rule evaluation failed", zap.String("rule", rule.Name), zap.Error(res.Err))
	}
}
