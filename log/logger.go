package log

import (
	"sync/atomic"

	"github.com/lcx/stnet/config"
)

type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[LevelLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *LevelLogger {
	return _defaultLogger.Load()
}

// Default returns the package-level logger.
func Default() *LevelLogger {
	return defaultLogger()
}

// AddAppender adds a new log appender to the default logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh flushes all appenders of the default logger.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the default logger with a custom instance.
func SetDefaultLogger(logger *LevelLogger) {
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" configuration and installs a
// hot-reloadable default logger built from it.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := *getDefaultCfg()
	if err := configManager.LoadConfig("logger", &logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(&logCfg, configManager))
	return nil
}

// Initialize initializes the default logger using the singleton ConfigManager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// Debug creates a new debug-level log event using the default logger.
func Debug() *LogEvent {
	return defaultLogger().Debug()
}

// Info creates a new info-level log event using the default logger.
func Info() *LogEvent {
	return defaultLogger().Info()
}

// Warn creates a new warn-level log event using the default logger.
func Warn() *LogEvent {
	return defaultLogger().Warn()
}

// Error creates a new error-level log event using the default logger.
func Error() *LogEvent {
	return defaultLogger().Error()
}

// Fatal creates a new fatal-level log event using the default logger.
func Fatal() *LogEvent {
	return defaultLogger().Fatal()
}
