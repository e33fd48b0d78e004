package syslog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const utf8BOM = "\uFEFF"

var (
	bsdTimestamp = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s(\d{2}):(\d{2}):(\d{2})\s+`)
	bsdHeader    = regexp.MustCompile(`(?s)^(\S+)\s+([^\s\[\]:]+)(?:\[(\d+)\])?:\s?(.*)$`)
)

// Parse parses one message using the wall clock for any missing timestamp.
func Parse(raw string) Record {
	return ParseAt(raw, time.Now())
}

// ParseAt parses one message. now stands in for the current time wherever the
// message lacks a usable timestamp, and supplies the year for RFC 3164.
// It never fails: unrecognised input becomes a fallback record.
func ParseAt(raw string, now time.Time) Record {
	pri, rest, ok := splitPriority(raw)
	if !ok {
		return fallback(raw, now)
	}

	rec := Record{
		Facility: pri / 8,
		Severity: pri % 8,
		Raw:      raw,
	}
	if strings.HasPrefix(rest, "1 ") {
		parse5424(&rec, rest[2:], now)
	} else {
		parse3164(&rec, rest, now)
	}
	return rec
}

// Message formats reported by DetectFormat.
const (
	FormatRFC5424  = "rfc5424"
	FormatRFC3164  = "rfc3164"
	FormatFallback = "fallback"
)

// DetectFormat reports which parse path ParseAt takes for raw.
func DetectFormat(raw string) string {
	_, rest, ok := splitPriority(raw)
	switch {
	case !ok:
		return FormatFallback
	case strings.HasPrefix(rest, "1 "):
		return FormatRFC5424
	default:
		return FormatRFC3164
	}
}

func fallback(raw string, now time.Time) Record {
	return Record{
		Facility:  FallbackFacility,
		Severity:  FallbackSeverity,
		Timestamp: now,
		Hostname:  NilValue,
		AppName:   NilValue,
		Message:   raw,
		Raw:       raw,
	}
}

func splitPriority(raw string) (int, string, bool) {
	if !strings.HasPrefix(raw, "<") {
		return 0, "", false
	}
	end := strings.IndexByte(raw, '>')
	if end < 2 {
		return 0, "", false
	}
	digits := raw[1:end]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, "", false
		}
	}
	pri, err := strconv.Atoi(digits)
	if err != nil {
		return 0, "", false
	}
	return pri, raw[end+1:], true
}

// parse5424 fills rec from "TIMESTAMP HOST APP PROCID MSGID SD MSG".
func parse5424(rec *Record, rest string, now time.Time) {
	fields := strings.Split(rest, " ")
	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return NilValue
	}

	rec.Timestamp = now
	if ts := field(0); ts != NilValue {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
	}
	rec.Hostname = field(1)
	rec.AppName = field(2)
	rec.ProcID = optional(field(3))
	rec.MsgID = optional(field(4))

	msgStart := 5
	if len(fields) > 5 {
		switch {
		case fields[5] == NilValue:
			msgStart = 6
		case strings.HasPrefix(fields[5], "["):
			sd, next := collectStructuredData(fields, 5)
			rec.StructuredData = parseStructuredData(sd)
			msgStart = next
		}
	}
	if msgStart < len(fields) {
		rec.Message = strings.TrimPrefix(strings.Join(fields[msgStart:], " "), utf8BOM)
	}
}

func optional(v string) string {
	if v == NilValue {
		return ""
	}
	return v
}

// collectStructuredData rejoins the whitespace-split tokens that make up the
// bracketed SD groups starting at fields[start]. It returns the SD text and
// the index of the first message token.
func collectStructuredData(fields []string, start int) (string, int) {
	var b strings.Builder
	i := start
	for i < len(fields) && strings.HasPrefix(fields[i], "[") {
		// One group may span several tokens; it ends on a token whose final
		// ']' is outside a quoted value.
		for i < len(fields) {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(fields[i])
			i++
			if groupClosed(b.String()) {
				break
			}
		}
	}
	return b.String(), i
}

// groupClosed reports whether s ends with a ']' that closes a group.
func groupClosed(s string) bool {
	if !strings.HasSuffix(s, "]") {
		return false
	}
	inQuote, escaped, depth := false, false, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inQuote:
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == '[' && !inQuote:
			depth++
		case c == ']' && !inQuote:
			depth--
		}
	}
	return !inQuote && depth <= 0
}

// parseStructuredData extracts `[id key="value" ...]` groups keyed by id.
func parseStructuredData(sd string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	i := 0
	for i < len(sd) {
		if sd[i] != '[' {
			i++
			continue
		}
		i++
		idEnd := i
		for idEnd < len(sd) && sd[idEnd] != ' ' && sd[idEnd] != ']' {
			idEnd++
		}
		id := sd[i:idEnd]
		params := make(map[string]string)
		i = idEnd

		for i < len(sd) && sd[i] != ']' {
			for i < len(sd) && sd[i] == ' ' {
				i++
			}
			if i >= len(sd) || sd[i] == ']' {
				break
			}
			keyEnd := i
			for keyEnd < len(sd) && sd[keyEnd] != '=' && sd[keyEnd] != ' ' && sd[keyEnd] != ']' {
				keyEnd++
			}
			if keyEnd >= len(sd) || sd[keyEnd] != '=' {
				i = keyEnd
				continue
			}
			key := sd[i:keyEnd]
			i = keyEnd + 1
			if i >= len(sd) || sd[i] != '"' {
				// Unquoted junk; skip to the next space or group end.
				for i < len(sd) && sd[i] != ' ' && sd[i] != ']' {
					i++
				}
				continue
			}
			i++
			var val strings.Builder
			for i < len(sd) && sd[i] != '"' {
				if sd[i] == '\\' && i+1 < len(sd) {
					switch sd[i+1] {
					case '"', '\\', ']':
						i++
					}
				}
				val.WriteByte(sd[i])
				i++
			}
			i++ // closing quote
			if key != "" {
				params[key] = val.String()
			}
		}
		i++ // closing bracket
		if id != "" {
			out[id] = params
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parse3164 fills rec from "Mmm dd hh:mm:ss HOST TAG[PID]: MSG".
func parse3164(rec *Record, rest string, now time.Time) {
	rec.Timestamp = now
	region := rest
	if m := bsdTimestamp.FindStringSubmatch(rest); m != nil {
		if ts, ok := bsdTime(m, now); ok {
			rec.Timestamp = ts
			region = rest[len(m[0]):]
		}
	}

	h := bsdHeader.FindStringSubmatch(region)
	if h == nil {
		rec.Hostname = NilValue
		rec.AppName = NilValue
		rec.Message = region
		return
	}
	rec.Hostname = h[1]
	rec.AppName = h[2]
	rec.ProcID = h[3]
	rec.Message = h[4]
}

// bsdTime builds a timestamp from a matched legacy header. The format has no
// year, so the year of now is assumed; replayed messages from a previous year
// will be misdated.
func bsdTime(m []string, now time.Time) (time.Time, bool) {
	month, err := time.Parse("Jan", m[1])
	if err != nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[2])
	hour, _ := strconv.Atoi(m[3])
	minute, _ := strconv.Atoi(m[4])
	sec, _ := strconv.Atoi(m[5])
	if day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, false
	}
	return time.Date(now.Year(), month.Month(), day, hour, minute, sec, 0, now.Location()), true
}
