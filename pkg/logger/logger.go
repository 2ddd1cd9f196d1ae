package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	sugar   *zap.SugaredLogger
	debugOn bool
)

type Config struct {
	Level       string // debug, info, warn, error
	Development bool
}

func init() {
	l, err := build(zap.NewProductionConfig())
	if err != nil {
		l = zap.NewNop()
	}
	sugar = l.Sugar()
}

// build skips the helper frame so callers see their own file and line.
func build(zcfg zap.Config, opts ...zap.Option) (*zap.Logger, error) {
	return zcfg.Build(append([]zap.Option{zap.AddCallerSkip(1)}, opts...)...)
}

// Init replaces the process logger. It is called once by the root
// composition; packages log through the helpers below.
func Init(cfg Config) error {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := build(zcfg)
	if err != nil {
		return err
	}

	SetLogger(l.Sugar())
	return nil
}

// SetLogger swaps the backing logger, mainly for tests.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = l
	debugOn = l.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// L returns the sugared logger for structured fields.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Info(format string, v ...interface{}) {
	L().Infof(format, v...)
}

func Error(format string, v ...interface{}) {
	L().Errorf(format, v...)
}

func Debug(format string, v ...interface{}) {
	mu.RLock()
	on := debugOn
	mu.RUnlock()
	if on {
		L().Debugf(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	L().Warnf(format, v...)
}

// Sync flushes buffered entries; call on shutdown.
func Sync() {
	_ = L().Sync()
}
