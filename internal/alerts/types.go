package alerts

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DefaultCooldown applies when a rule does not set one.
const DefaultCooldown = 5 * time.Minute

// Comparison operators accepted in rule definitions.
const (
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpEqual        = "eq"
)

// Rule is one threshold rule over recent log history.
//
// Query is a SQL boolean fragment evaluated by the log store. Rules are
// trusted operator configuration: the fragment is executed as written.
type Rule struct {
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	Window     time.Duration     `json:"-"`
	WindowSpec string            `json:"window"`
	Query      string            `json:"query"`
	Threshold  float64           `json:"threshold"`
	Operator   string            `json:"operator"`
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Cooldown   time.Duration     `json:"-"`
}

// FireEvent is one successful alert dispatch, kept in alert history.
type FireEvent struct {
	ID          string    `json:"id"`
	RuleName    string    `json:"rule_name"`
	Count       int       `json:"count"`
	Severity    string    `json:"severity"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	FiredAt     time.Time `json:"fired_at"`
}

// Outcome classifies one rule evaluation.
type Outcome string

const (
	OutcomeCooldown       Outcome = "cooldown"
	OutcomeNotTriggered   Outcome = "not_triggered"
	OutcomeFired          Outcome = "fired"
	OutcomeDispatchFailed Outcome = "dispatch_failed"
)

// Result reports what one evaluation did.
type Result struct {
	Rule        string
	Outcome     Outcome
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
	// QueryErr is set when the count query failed and 0 was assumed.
	QueryErr error
	// Err is set when dispatch or history recording failed.
	Err error
}

var spanPattern = regexp.MustCompile(`^(\d+)([mhd])$`)

// ParseSpan parses a window or cooldown such as "15m", "2h" or "7d".
func ParseSpan(s string) (time.Duration, error) {
	m := spanPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <digits> followed by m, h or d", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := time.Minute
	switch m[2] {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(1<<62)/int64(unit) {
		return 0, fmt.Errorf("invalid duration %q: out of range", s)
	}
	return time.Duration(n) * unit, nil
}

// ValidOperator reports whether op is one of the supported comparisons.
func ValidOperator(op string) bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		return true
	}
	return false
}

// Compare applies op to count and threshold. Unknown operators never match.
func Compare(op string, count int, threshold float64) bool {
	c := float64(count)
	switch op {
	case OpGreater:
		return c > threshold
	case OpGreaterEqual:
		return c >= threshold
	case OpLess:
		return c < threshold
	case OpLessEqual:
		return c <= threshold
	case OpEqual:
		return c == threshold
	default:
		return false
	}
}
