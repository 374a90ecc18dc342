package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/stnet/config"
)

// LevelLogger provides a thread-safe logging interface with configurable appenders.
// It supports level filtering, caller information, per-line level overrides and
// reuse of events through sync.Pool, so hot socket paths allocate little when
// logging and nothing at all when the level is disabled.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("addr", "127.0.0.1:9527").Int("conns", 42).Msg("server started")
type LevelLogger struct {
	appenders         []LogAppender
	appenderMu        sync.RWMutex
	minLevel          atomic.Uint32
	callerSkip        int
	eventPool         *sync.Pool
	levelChange       atomic.Pointer[levelChange]
	callerCache       sync.Map
	enabledCallerInfo atomic.Bool
	configMutex       sync.RWMutex
	currentConfig     *LogCfg
}

// NewLogger creates a new LevelLogger instance with the provided configuration.
// If cfg is nil, it uses default configuration values from getDefaultCfg().
func NewLogger(cfg *LogCfg) *LevelLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &LevelLogger{
		callerSkip:    cfg.CallerSkip,
		currentConfig: cfg,
	}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.levelChange.Store(newLevelChange(cfg.LevelChange))
	logger.enabledCallerInfo.Store(cfg.EnabledCallerInfo)

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewLoggerWithConfigManager creates a LevelLogger that follows hot reloads of
// the "logger" configuration.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *LevelLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// GetConfigName implements config.ConfigChangeListener.
func (x *LevelLogger) GetConfigName() string {
	return "logger"
}

// OnConfigChanged implements config.ConfigChangeListener. Level, caller info
// and level overrides change in place; appender destinations are kept.
func (x *LevelLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)
	x.Refresh()
	return nil
}

func (x *LevelLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	defer x.configMutex.Unlock()

	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.enabledCallerInfo.Store(newCfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(newCfg.LevelChange))
	x.currentConfig = newCfg
}

// GetCurrentConfig returns the current logger configuration.
func (x *LevelLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *LevelLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *LevelLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds a new log appender to the logger.
func (x *LevelLogger) AddAppender(appender LogAppender) {
	x.appenderMu.Lock()
	defer x.appenderMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the appenders currently registered with the logger.
func (x *LevelLogger) GetAppender() []LogAppender {
	x.appenderMu.RLock()
	defer x.appenderMu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *LevelLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *LevelLogger) Close() {
	for _, appender := range x.GetAppender() {
		_ = appender.Close()
	}
}

// IgnoreCheckLevel reports whether level filtering is bypassed; never for LevelLogger.
func (x *LevelLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *LevelLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event to all appenders and recycles it.
// Fatal events panic after being written.
func (x *LevelLogger) OnEventEnd(e *LogEvent) {
	x.appenderMu.RLock()
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}
	x.appenderMu.RUnlock()

	if e.level == FatalLevel {
		x.Refresh()
		panic(string(e.buf.Bytes()))
	}

	x.eventPool.Put(e)
}

// Debug creates a new debug-level log event, nil when disabled.
func (x *LevelLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

// Info creates a new info-level log event, nil when disabled.
func (x *LevelLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

// Warn creates a new warn-level log event, nil when disabled.
func (x *LevelLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

// Error creates a new error-level log event, nil when disabled.
func (x *LevelLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal creates a new fatal-level log event; Msg panics after writing it.
func (x *LevelLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

// getCallerInfo resolves the file, function and line of the code that called
// the public level method. Results are cached per program counter.
func (x *LevelLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

// log prepares an event carrying time, level and optionally the caller, or
// returns nil when level is filtered out.
func (x *LevelLogger) log(level Level) *LogEvent {
	var info *callerInfo
	if !x.IgnoreCheckLevel() && !x.checkLevel(level) {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo()
		level = lc.GetLevel(info.file, info.line, level)
		if !x.checkLevel(level) {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo()
		}
		e.Str("caller", info.String())
	}

	return e
}
