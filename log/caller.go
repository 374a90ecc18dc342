package log

import "strconv"

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}

// LevelChangeEntry overrides the effective level of log calls made from one
// source line, e.g. {file: "net/socket.go", line: 120, level: 1}.
type LevelChangeEntry struct {
	File  string `mapstructure:"file"`
	Line  int    `mapstructure:"line"`
	Level Level  `mapstructure:"level"`
}

type levelChangeKey struct {
	file string
	line int
}

type levelChange struct {
	entries map[levelChangeKey]Level
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	lc := &levelChange{entries: make(map[levelChangeKey]Level, len(entries))}
	for _, e := range entries {
		lc.entries[levelChangeKey{file: e.File, line: e.Line}] = e.Level
	}
	return lc
}

// Empty reports whether no override is configured.
func (lc *levelChange) Empty() bool {
	return lc == nil || len(lc.entries) == 0
}

// GetLevel returns the overridden level for file:line, or level itself.
func (lc *levelChange) GetLevel(file string, line int, level Level) Level {
	if lc.Empty() {
		return level
	}
	if lv, ok := lc.entries[levelChangeKey{file: file, line: line}]; ok {
		return lv
	}
	return level
}
