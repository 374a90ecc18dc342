package log

import "errors"

// LogCfg represents logging configuration for socket services.
// It provides options for both synchronous and asynchronous logging,
// file rotation and output destinations.
type LogCfg struct {
	// LogPath specifies the target log file path for file-based logging.
	LogPath string `mapstructure:"path"`

	// LogLevel defines the minimum log level for filtering log entries.
	// Supports hot-reload without service restart.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB determines the file rotation threshold in megabytes.
	FileSplitMB int `mapstructure:"splitmb"`

	// IsAsync enables asynchronous log writing to prevent I/O blocking
	// on reactor goroutines.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize limits the maximum buffered log entries in async mode.
	// Entries beyond it are dropped rather than blocking the caller.
	// Default: 1024 entries when async mode is enabled.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// CallerSkip specifies the number of stack frames to skip for caller information.
	CallerSkip int `mapstructure:"callerSkip"`

	// FileAppender enables file-based logging output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables console (stdout) logging output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// LevelChange enables fine-grained log level control for specific code locations.
	// Each entry maps a file path and line number to a specific log level.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return errors.New("log level out of range")
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return errors.New("file appender needs a path")
	}
	if cfg.FileSplitMB < 0 || cfg.AsyncCacheSize < 0 {
		return errors.New("splitmb and asynccachesize must not be negative")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./stnet.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	IsAsync:         false,
	CallerSkip:      1,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
