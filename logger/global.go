package logger

// global is the root of the package-level sub-loggers used by packages
// which are not handed a logger, e.g. storage and events.
var global = New("gfac")

// Configure configures the global logger.
func Configure(c Config) {
	global.Configure(c)
}

// Sub returns a new sub-logger of the global logger.
func Sub(ns string, args ...interface{}) *Logger {
	return global.Sub(ns, args...)
}
