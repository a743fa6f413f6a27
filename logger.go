package recargas

import (
	"go.uber.org/zap"
)

// Logger is the minimal logging contract used throughout the module.
// Components receive a Logger, never a concrete logging backend.
type Logger interface {
	Log(format string, args ...any)
}

// NoopLogger discards all log output.
type NoopLogger struct{}

func (NoopLogger) Log(format string, args ...any) {}

// zapLogger adapts a zap sugared logger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (z *zapLogger) Log(format string, args ...any) {
	z.sugar.Infof(format, args...)
}

// NewLogger builds a production zap logger at the given level ("debug",
// "info", "warn", ...). The returned flush function should be deferred
// by the caller.
func NewLogger(level string) (Logger, func(), error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl

	zl, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}

	flush := func() { _ = zl.Sync() }
	return &zapLogger{sugar: zl.Sugar()}, flush, nil
}

// prefixLogger wraps a logger with a fixed prefix, typically an account id.
type prefixLogger struct {
	prefix string
	base   Logger
}

func (p *prefixLogger) Log(format string, args ...any) {
	p.base.Log("[%s] "+format, append([]any{p.prefix}, args...)...)
}

// PrefixLogger returns a Logger that prepends "[prefix]" to every line.
func PrefixLogger(base Logger, prefix string) Logger {
	if base == nil {
		base = NoopLogger{}
	}
	return &prefixLogger{prefix: prefix, base: base}
}
