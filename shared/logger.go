package shared

// ILogger is the logging surface injected into every service.
// *github.com/charmbracelet/log.Logger satisfies it.
type ILogger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Debugf(format string, args ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Infof(format string, args ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Warnf(format string, args ...interface{})
	Error(msg interface{}, keyvals ...interface{})
	Errorf(format string, args ...interface{})
	Print(msg interface{}, keyvals ...interface{})
	Printf(format string, args ...interface{})
}
