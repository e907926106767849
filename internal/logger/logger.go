package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
	closers       []func() error
}

func New(mode string) (*Logger, error) {
	zapLogger, err := buildConfig(mode).Build(wrapperOptions()...)
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewWithFile logs to stdout and to a daily rotated app-YYYY-MM-DD.log under dir.
func NewWithFile(mode, dir string, retentionDays int) (*Logger, error) {
	writer, err := newDailyFile(dir, retentionDays)
	if err != nil {
		return nil, err
	}
	cfg := buildConfig(mode)
	encoderCfg := cfg.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), cfg.Level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), cfg.Level),
	)
	zapLogger := zap.New(core, wrapperOptions()...)
	return &Logger{SugaredLogger: zapLogger.Sugar(), closers: []func() error{writer.Close}}, nil
}

// Nop discards everything; handy for tests that do not assert on logs.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// wrapperOptions make the reported caller the code that called Logger, not
// this file.
func wrapperOptions() []zap.Option {
	return []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
}

func buildConfig(mode string) zap.Config {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

// Close flushes and releases the log file, if any.
func (l *Logger) Close() {
	l.Sync()
	for _, closeFn := range l.closers {
		_ = closeFn()
	}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, keysAndValues...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...), closers: l.closers}
}
