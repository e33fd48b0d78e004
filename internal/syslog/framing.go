package syslog

import (
	"bytes"
	"strconv"
)

// Mode is the framing convention most recently observed on a stream.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOctetCounted
	ModeLineDelimited
	ModeNullDelimited
)

func (m Mode) String() string {
	switch m {
	case ModeOctetCounted:
		return "octet"
	case ModeLineDelimited:
		return "line"
	case ModeNullDelimited:
		return "null"
	default:
		return "unknown"
	}
}

// maxLengthDigits bounds the octet-count prefix so the length always fits an int.
const maxLengthDigits = 10

// Decoder splits one connection's byte stream into complete messages.
//
// Framing is re-detected on every Feed rather than pinned per connection, so a
// peer that mixes conventions is still decoded. A Decoder is not safe for
// concurrent use; each connection owns its own.
type Decoder struct {
	buf      []byte
	mode     Mode
	maxFrame int
}

// NewDecoder returns a decoder. When maxFrame is positive, an octet-count
// prefix declaring more than maxFrame bytes is not treated as framing.
func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// Mode reports the framing used by the most recent extraction.
func (d *Decoder) Mode() Mode {
	return d.mode
}

// Buffered returns the number of bytes held back waiting for more data.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk to the pending buffer and returns every message that is
// now complete, in arrival order.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var out []string
	for len(d.buf) > 0 {
		if n, prefix, ok := d.octetPrefix(); ok {
			if len(d.buf)-prefix < n {
				// Declared length still pending; nothing else may be tried.
				break
			}
			d.mode = ModeOctetCounted
			if n > 0 {
				out = append(out, string(d.buf[prefix:prefix+n]))
			}
			d.consume(prefix + n)
			continue
		}

		if i := bytes.LastIndexByte(d.buf, '\n'); i >= 0 {
			d.mode = ModeLineDelimited
			for _, line := range bytes.Split(d.buf[:i], []byte{'\n'}) {
				line = bytes.TrimSuffix(line, []byte{'\r'})
				if len(line) > 0 {
					out = append(out, string(line))
				}
			}
			d.consume(i + 1)
			continue
		}

		if i := bytes.LastIndexByte(d.buf, 0); i >= 0 {
			d.mode = ModeNullDelimited
			for _, seg := range bytes.Split(d.buf[:i], []byte{0}) {
				if len(seg) > 0 {
					out = append(out, string(seg))
				}
			}
			d.consume(i + 1)
			continue
		}

		break
	}

	return out
}

// Flush drains whatever is left in the buffer as one final, possibly
// malformed, message. It is called when the connection closes.
func (d *Decoder) Flush() (string, bool) {
	if len(d.buf) == 0 {
		return "", false
	}
	msg := string(d.buf)
	d.buf = nil
	return msg, true
}

// octetPrefix reports whether the buffer starts with "<digits> " and, if so,
// the declared length and the size of the prefix including the space.
func (d *Decoder) octetPrefix() (n, prefix int, ok bool) {
	i := 0
	for i < len(d.buf) && i <= maxLengthDigits && d.buf[i] >= '0' && d.buf[i] <= '9' {
		i++
	}
	if i == 0 || i > maxLengthDigits || i >= len(d.buf) || d.buf[i] != ' ' {
		return 0, 0, false
	}
	n, err := strconv.Atoi(string(d.buf[:i]))
	if err != nil {
		return 0, 0, false
	}
	if d.maxFrame > 0 && n > d.maxFrame {
		return 0, 0, false
	}
	return n, i + 1, true
}

func (d *Decoder) consume(n int) {
	rest := d.buf[n:]
	if len(rest) == 0 {
		d.buf = d.buf[:0]
		return
	}
	// Copy down so the backing array does not grow without bound.
	d.buf = append(d.buf[:0], rest...)
}
