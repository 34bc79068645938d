package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend used by the binaries
type ZapConfig struct {
	Level      string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format     string `yaml:"format"` // "json", "console"
	Output     string `yaml:"output"` // "stdout", "stderr"
	Caller     bool   `yaml:"caller"`
	Stacktrace bool   `yaml:"stacktrace"`
}

// DefaultZapConfig returns the configuration used when none is given
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		Caller:     false,
		Stacktrace: true,
	}
}

// ZapBackend owns a zap logger and exposes it as LogFuncs
type ZapBackend struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewZapBackend builds a zap logger from config
func NewZapBackend(config ZapConfig) (*ZapBackend, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(3))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zapLogger := zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...)
	return &ZapBackend{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}, nil
}

// NewZapBackendFromLogger wraps an existing zap logger, used by tests with zaptest/observer
func NewZapBackendFromLogger(zapLogger *zap.Logger) *ZapBackend {
	return &ZapBackend{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}
}

// LogFuncs adapts the sugared logger to the Logger plumbing
func (z *ZapBackend) LogFuncs() LogFuncs {
	return LogFuncs{
		Debugf: z.sugar.Debugf,
		Infof:  z.sugar.Infof,
		Warnf:  z.sugar.Warnf,
		Errorf: z.sugar.Errorf,
	}
}

// Logger returns a prefixed Logger backed by zap
func (z *ZapBackend) Logger(prefix string) Logger {
	return NewLogger(prefix, z.LogFuncs())
}

// Sync flushes any buffered log entries
func (z *ZapBackend) Sync() error {
	return z.logger.Sync()
}

// ParseLevel mirrors zapcore.ParseLevel for the levels accepted in configuration
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
