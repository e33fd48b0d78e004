// Package syslog turns raw TCP byte streams into structured syslog records.
//
// Two pieces live here: a per-connection frame Decoder that understands
// octet-counted (RFC 6587), LF/CRLF-delimited and NUL-delimited framing, and
// a stateless Parse function for RFC 5424 and RFC 3164 messages. Anything the
// parser does not recognise degrades to a fallback record instead of failing.
package syslog

import (
	"fmt"
	"time"
)

// Fallback values used when a message carries no usable priority header.
const (
	FallbackFacility = 16 // local0
	FallbackSeverity = 6  // informational
	NilValue         = "-"
)

// Record is one parsed syslog message.
type Record struct {
	Facility       int                          `json:"facility"`
	Severity       int                          `json:"severity"`
	Timestamp      time.Time                    `json:"timestamp"`
	Hostname       string                       `json:"hostname"`
	AppName        string                       `json:"app_name"`
	ProcID         string                       `json:"proc_id,omitempty"`
	MsgID          string                       `json:"msg_id,omitempty"`
	StructuredData map[string]map[string]string `json:"structured_data,omitempty"`
	Message        string                       `json:"message"`
	Raw            string                       `json:"raw"`
}

// Priority re-packs facility and severity into the PRI value.
func (r Record) Priority() int {
	return r.Facility*8 + r.Severity
}

var severityNames = [8]string{
	"Emergency",
	"Alert",
	"Critical",
	"Error",
	"Warning",
	"Notice",
	"Informational",
	"Debug",
}

// SeverityName returns the RFC 5424 name for a severity value.
func SeverityName(severity int) string {
	if severity >= 0 && severity < len(severityNames) {
		return severityNames[severity]
	}
	return fmt.Sprintf("Unknown(%d)", severity)
}

var facilityNames = [24]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// FacilityName returns the conventional keyword for a facility value.
func FacilityName(facility int) string {
	if facility >= 0 && facility < len(facilityNames) {
		return facilityNames[facility]
	}
	return fmt.Sprintf("unknown(%d)", facility)
}
