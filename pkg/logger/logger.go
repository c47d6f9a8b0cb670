// Package logger builds the zap loggers used by gojolite engines.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every entry.
const Service = "gojolite"

// Config describes an engine logger.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// Empty, "none" and "off" disable logging.
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, "stdout" or "stderr". Defaults to stderr so an
	// embedding program keeps stdout to itself.
	OutputFile string `yaml:"output_file"`
	// Fields are constant fields added to every entry, such as the
	// database name.
	Fields map[string]string `yaml:"fields"`
}

// New builds a logger from config. Unknown levels fall back to info.
func New(config Config) (*zap.Logger, error) {
	if IsDisabled(config.Level) {
		return zap.NewNop(), nil
	}
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(strings.ToLower(config.Level))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(constantFields(config.Fields)...)), nil
}

// IsDisabled reports whether level turns logging off.
func IsDisabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "none", "off":
		return true
	}
	return false
}

func constantFields(extra map[string]string) []zap.Field {
	fields := []zap.Field{zap.String("service", Service)}
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, zap.String(name, extra[name]))
	}
	return fields
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(file), nil
}
