package src

// Logger is the subset of *zap.SugaredLogger the engine components use.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	Infof(template string, args ...any)
	Info(args ...any)
	Error(args ...any)

	Sync() error
}
