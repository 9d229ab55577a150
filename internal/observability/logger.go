package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "domain-engine"

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// LoggerConfig selects the level and encoding of the process logger.
// Instance defaults to the hostname so entries from several API instances
// sharing one Redis lock namespace can be told apart.
type LoggerConfig struct {
	Level    string
	Format   string
	Instance string
}

func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", LogFormatJSON:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
	case LogFormatConsole:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Development = false
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true

	instance := strings.TrimSpace(cfg.Instance)
	if instance == "" {
		instance, _ = os.Hostname()
	}

	fields := []zap.Field{zap.String("service", serviceName)}
	if instance != "" {
		fields = append(fields, zap.String("instance", instance))
	}

	logger, err := zcfg.Build(zap.AddCaller(), zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		return zapcore.InfoLevel, nil
	}

	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}
