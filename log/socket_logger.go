package log

// SocketLogger is a logger bound to one socket. Every event it creates
// already carries the "socket" field so lines from concurrent connections
// can be told apart.
type SocketLogger struct {
	*LevelLogger
	socketID uint64
}

// NewSocketLogger binds base to socketID. A nil base uses the default logger
// at the time of each call, so SetDefaultLogger also affects existing sockets.
func NewSocketLogger(base *LevelLogger, socketID uint64) *SocketLogger {
	return &SocketLogger{LevelLogger: base, socketID: socketID}
}

// SocketID returns the id stamped on every event.
func (x *SocketLogger) SocketID() uint64 {
	return x.socketID
}

// SetSocketID rebinds the logger, used when a pooled socket gets a new id.
func (x *SocketLogger) SetSocketID(id uint64) {
	x.socketID = id
}

func (x *SocketLogger) base() *LevelLogger {
	if x.LevelLogger != nil {
		return x.LevelLogger
	}
	return defaultLogger()
}

func (x *SocketLogger) log(level Level) *LogEvent {
	e := x.base().log(level)
	if e == nil {
		return nil
	}
	return e.Uint64("socket", x.socketID)
}

// Debug creates a debug-level event stamped with the socket id.
func (x *SocketLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

// Info creates an info-level event stamped with the socket id.
func (x *SocketLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

// Warn creates a warn-level event stamped with the socket id.
func (x *SocketLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

// Error creates an error-level event stamped with the socket id.
func (x *SocketLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal creates a fatal-level event stamped with the socket id.
func (x *SocketLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}
