// Package logger builds the zap logger used by pagestore binaries and
// environments.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Per second and message: the first samplingFirst entries are kept, then
// one in samplingThereafter.
const (
	samplingFirst      = 100
	samplingThereafter = 100
)

// Config is the logger section of the environment configuration.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values log at info.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// OutputFile is a path, or stdout or stderr.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "pagestore".
	Service string `yaml:"service"`
	// Sampling thins out repeated entries. Page fetches and allocations log
	// once per page at debug level.
	Sampling bool `yaml:"sampling"`
}

// New builds a logger from config. An unknown level is reported through
// the returned logger itself.
func New(config Config) (*zap.Logger, error) {
	out, err := openOutput(config.OutputFile)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	levelErr := level.UnmarshalText([]byte(config.Level))
	if levelErr != nil {
		level.SetLevel(zap.InfoLevel)
	}

	core := zapcore.NewCore(newEncoder(config.Format), out, level)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, samplingFirst, samplingThereafter)
	}

	service := config.Service
	if service == "" {
		service = "pagestore"
	}
	log := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.DPanicLevel),
		zap.Fields(zap.String("service", service)),
	)
	if config.Level != "" && levelErr != nil {
		log.Warn("unknown log level, using info", zap.String("configured", config.Level))
	}
	return log, nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// openOutput resolves OutputFile. Files are appended to and shared between
// environments of one process, hence the lock.
func openOutput(name string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(name) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", name, err)
	}
	return zapcore.Lock(f), nil
}
