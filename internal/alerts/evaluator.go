package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/telemetry"
	"github.com/marcus-qen/logsentry/internal/webhook"
	"go.uber.org/zap"
)

// LogCounter counts stored records matching a predicate in [start, end].
type LogCounter interface {
	CountMatching(ctx context.Context, predicate string, start, end time.Time) (int, error)
}

// HistorySink stores successful alert fires.
type HistorySink interface {
	Record(ctx context.Context, evt FireEvent) error
}

// Notifier is the webhook dispatcher contract used by the evaluator.
type Notifier interface {
	Send(ctx context.Context, url string, headers map[string]string, payload webhook.Payload) error
}

// Evaluator runs one rule for one tick.
type Evaluator struct {
	logs      LogCounter
	history   HistorySink
	notifier  Notifier
	cooldowns *CooldownTracker
	bus       *events.Bus
	logger    *zap.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator sharing the given cooldown tracker.
func NewEvaluator(logs LogCounter, history HistorySink, notifier Notifier, cooldowns *CooldownTracker, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldowns == nil {
		cooldowns = NewCooldownTracker()
	}
	return &Evaluator{
		logs:      logs,
		history:   history,
		notifier:  notifier,
		cooldowns: cooldowns,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetBus attaches an optional event bus that receives alert.fired events.
func (e *Evaluator) SetBus(bus *events.Bus) {
	e.bus = bus
}

// Evaluate checks rule at the current time.
func (e *Evaluator) Evaluate(ctx context.Context, rule Rule) Result {
	now := e.now()
	res := Result{
		Rule:        rule.Name,
		WindowStart: now.Add(-rule.Window),
		WindowEnd:   now,
	}

	ctx, span := telemetry.StartRuleSpan(ctx, rule.Name)
	defer func() {
		err := res.Err
		if err == nil {
			err = res.QueryErr
		}
		telemetry.EndRuleSpan(span, string(res.Outcome), res.Count, err)
	}()

	if e.cooldowns.Active(rule.Name, now, rule.Cooldown) {
		res.Outcome = OutcomeCooldown
		return res
	}

	count, err := e.logs.CountMatching(ctx, rule.Query, res.WindowStart, res.WindowEnd)
	if err != nil {
		e.logger.Warn("alert query failed; treating count as 0",
			zap.String("rule", rule.Name), zap.String("query", rule.Query), zap.Error(err))
		res.QueryErr = err
		count = 0
	}
	res.Count = count

	if !Compare(rule.Operator, count, rule.Threshold) {
		res.Outcome = OutcomeNotTriggered
		return res
	}

	payload := webhook.BuildPayload(webhook.Alert{
		Name:        rule.Name,
		Query:       rule.Query,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		Count:       count,
		WindowSpec:  rule.WindowSpec,
		WindowStart: res.WindowStart,
		WindowEnd:   res.WindowEnd,
		FiredAt:     now,
	})

	if err := e.notifier.Send(ctx, rule.WebhookURL, rule.Headers, payload); err != nil {
		e.logger.Warn("alert webhook delivery failed; cooldown unchanged",
			zap.String("rule", rule.Name), zap.Int("count", count), zap.Error(err))
		res.Outcome = OutcomeDispatchFailed
		res.Err = err
		return res
	}

	e.cooldowns.Record(rule.Name, now)
	res.Outcome = OutcomeFired

	evt := FireEvent{
		ID:          uuid.NewString(),
		RuleName:    rule.Name,
		Count:       count,
		Severity:    payload.Severity,
		WindowStart: res.WindowStart,
		WindowEnd:   res.WindowEnd,
		FiredAt:     now,
	}
	if e.history != nil {
		if err := e.history.Record(ctx, evt); err != nil {
			e.logger.Warn("failed to record alert history", zap.String("rule", rule.Name), zap.Error(err))
			res.Err = err
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.AlertFired,
			Summary: payload.Message,
			Detail:  evt,
		})
	}

	e.logger.Info("alert fired",
		zap.String("rule", rule.Name),
		zap.Int("count", count),
		zap.String("severity", payload.Severity))
	return res
}
