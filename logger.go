package linkup

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the engine logger: a JSON core for info through error,
// written to cfg.File (or stderr), teed with a console core on stderr for
// warnings and, when cfg.Debug is set, debug output.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	threshold := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := threshold.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	out := zapcore.AddSync(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		out = zapcore.AddSync(f)
	}

	jsonCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		out,
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= threshold && l >= zapcore.InfoLevel && l != zapcore.WarnLevel
		}),
	)
	console := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	debugCore := zapcore.NewCore(console, zapcore.AddSync(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return (cfg.Debug || threshold == zapcore.DebugLevel) && l == zapcore.DebugLevel
		}),
	)
	warnCore := zapcore.NewCore(console, zapcore.AddSync(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l == zapcore.WarnLevel && threshold <= zapcore.WarnLevel
		}),
	)

	return zap.New(zapcore.NewTee(jsonCore, debugCore, warnCore), zap.AddCaller()), nil
}
