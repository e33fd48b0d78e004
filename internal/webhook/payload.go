package webhook

import (
	"fmt"
	"time"
)

// Severity levels carried in the payload.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Payload is the JSON body POSTed to alert webhooks.
type Payload struct {
	AlertName string    `json:"alertName"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Window    Window    `json:"window"`
	Trigger   Trigger   `json:"trigger"`
	Message   string    `json:"message"`
}

// Window describes the evaluated time range.
type Window struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration string    `json:"duration"`
}

// Trigger describes the condition that fired.
type Trigger struct {
	Query       string  `json:"query"`
	Threshold   float64 `json:"threshold"`
	Operator    string  `json:"operator"`
	ActualValue int     `json:"actualValue"`
}

// Alert is the input needed to build a Payload.
type Alert struct {
	Name        string
	Query       string
	Operator    string
	Threshold   float64
	Count       int
	WindowSpec  string
	WindowStart time.Time
	WindowEnd   time.Time
	FiredAt     time.Time
}

// BuildPayload assembles the webhook body for a fired alert.
func BuildPayload(a Alert) Payload {
	return Payload{
		AlertName: a.Name,
		Severity:  DeriveSeverity(a.Count, a.Threshold),
		Timestamp: a.FiredAt.UTC(),
		Window: Window{
			Start:    a.WindowStart.UTC(),
			End:      a.WindowEnd.UTC(),
			Duration: a.WindowSpec,
		},
		Trigger: Trigger{
			Query:       a.Query,
			Threshold:   a.Threshold,
			Operator:    a.Operator,
			ActualValue: a.Count,
		},
		Message: fmt.Sprintf("Alert %q triggered: %d matching log entries in the last %s (condition: count %s %g)",
			a.Name, a.Count, a.WindowSpec, a.Operator, a.Threshold),
	}
}

// DeriveSeverity maps the count/threshold ratio to a severity:
// >= 2 is critical, >= 1.5 is warning, anything else is info.
func DeriveSeverity(count int, threshold float64) string {
	if threshold <= 0 {
		if count > 0 {
			return SeverityCritical
		}
		return SeverityInfo
	}
	ratio := float64(count) / threshold
	switch {
	case ratio >= 2:
		return SeverityCritical
	case ratio >= 1.5:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
