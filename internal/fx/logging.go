package fx

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Verbose fx event output is kept at
// debug so command output stays clean.
func NewLogger() (*zap.Logger, error) {
	level := zap.WarnLevel
	if os.Getenv("OSGREP_PROFILE") != "" {
		level = zap.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// LoggingModule provides the zap logger and routes fx events through it
var LoggingModule = fx.Module("logging",
	fx.Provide(NewLogger),
	fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		l := &fxevent.ZapLogger{Logger: logger}
		l.UseLogLevel(zapcore.DebugLevel)
		return l
	}),
)
