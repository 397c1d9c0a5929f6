package runtime

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity selects how much the runtime logs.
type Verbosity string

const (
	VerbosityLow    Verbosity = "low"
	VerbosityNormal Verbosity = "normal"
	VerbosityHigh   Verbosity = "high"
	// VerbosityMax also switches to the console encoder with caller and
	// stack information.
	VerbosityMax Verbosity = "please-make-it-stop"
)

// ParseVerbosity parses a verbosity name.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(s); v {
	case VerbosityLow, VerbosityNormal, VerbosityHigh, VerbosityMax:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVerbosity, s)
}

// Level returns the log level of v.
func (v Verbosity) Level() zapcore.Level {
	switch v {
	case VerbosityLow:
		return zapcore.WarnLevel
	case VerbosityHigh, VerbosityMax:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds the process logger. When writeLog is set, logs are also
// appended to that file.
func NewLogger(v Verbosity, writeLog string) (*zap.Logger, error) {
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(v.Level()),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if v == VerbosityMax {
		config.Development = true
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if writeLog != "" {
		config.OutputPaths = append(config.OutputPaths, writeLog)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
