package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line as a JSON object.
// Events come from a logger's pool and go back to it when Msg is called;
// an event must not be used after Msg.
//
// Every method is safe on a nil receiver, which is what a logger returns
// for a disabled level, so call chains never need a level check.
type LogEvent struct {
	buf    bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	e := &LogEvent{logger: logger}
	e.buf.Grow(256)
	return e
}

// Reset clears the event so it can be reused.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
	e.level = InfoLevel
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(&e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(&e.buf, v)
	return e
}

// Int adds an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.Itoa(v))
	return e
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
	return e
}

// Uint32 adds a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(uint64(v), 10))
	return e
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

// Strs adds a string array field.
func (e *LogEvent) Strs(k string, vs []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		appendJSONString(&e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

// Bool adds a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Float64 adds a float64 field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	return e
}

// Dur adds a duration field rendered with time.Duration.String.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(&e.buf, d.String())
	return e
}

// Time adds a timestamp field in RFC3339 with milliseconds.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.WriteString(t.Format("2006-01-02T15:04:05.000Z07:00"))
	e.buf.WriteByte('"')
	return e
}

// Stringer adds the String() of v, or null when v is nil.
func (e *LogEvent) Stringer(k string, v fmt.Stringer) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	if v == nil {
		e.buf.WriteString("null")
		return e
	}
	appendJSONString(&e.buf, v.String())
	return e
}

// Err adds an "error" field; nil errors are skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any adds a field formatted with %v.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Str(k, fmt.Sprintf("%v", v))
}

// Msg adds the message, terminates the line and hands it to the logger.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.Str("msg", msg)
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Msgf is Msg with fmt.Sprintf formatting.
func (e *LogEvent) Msgf(format string, v ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, v...))
}

// Bytes returns the encoded line; valid until the event is released.
func (e *LogEvent) Bytes() []byte {
	return e.buf.Bytes()
}

const _hex = "0123456789abcdef"

func appendJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(_hex[c>>4])
				buf.WriteByte(_hex[c&0xf])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
