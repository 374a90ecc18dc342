package log

import (
	"fmt"
	"strings"
)

// Level is the severity of a log event. Higher values are more severe.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{"trace", "debug", "info", "warn", "error", "fatal"}

// String returns the lower-case name written into the "level" field.
func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return "unknown"
}

// ParseLevel converts a level name, case-insensitive, into a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range _levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}
