// Package logging builds the zap logger handed to every component.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnvVar controls verbosity when no level is given. When unset or
// empty, logging is silent.
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "ACCESSORYSCAN_LOG_LEVEL"

// New returns a console logger writing to stderr, so stdout stays free for
// results. An empty level falls back to LogLevelEnvVar and then to a no-op
// logger.
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		return zap.NewNop(), nil
	}

	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name to its zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
