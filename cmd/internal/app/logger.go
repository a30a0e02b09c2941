package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON in production, console in dev mode.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	lvl, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := buildZapConfig(cfg.DevMode)
	zc.Level = zap.NewAtomicLevelAt(lvl)

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return log.Named("warden"), nil
}

func buildZapConfig(dev bool) zap.Config {
	var zc zap.Config
	if dev {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		zc.EncoderConfig.StacktraceKey = "stacktrace"
	}
	ec := &zc.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return zc
}

// parseLogLevel accepts zap level names plus "warning". Blank means info.
func parseLogLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logger: invalid level %q: %w", s, err)
	}
	return lvl, nil
}
