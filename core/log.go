package core

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide sugared logger. It starts as a no-op logger
// so library users that never call InitLogger get silence.
var Logger = zap.NewNop().Sugar()

// debugEnabled 0 = disabled, 1 = enabled
var debugEnabled int32

func init() {
	if os.Getenv("EXTENTFS_DEBUG") != "" && os.Getenv("EXTENTFS_DEBUG") != "0" {
		atomic.StoreInt32(&debugEnabled, 1)
	}
}

type LoggerConfig struct {
	Debug     bool   // Enable debug level logging
	LogFormat string // "json" or "human"
	LogFile   string // Path to log file (optional)
}

// InitLogger replaces Logger with one built from config.
func InitLogger(config LoggerConfig) error {
	var zapConfig zap.Config
	if config.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := []string{"stderr"}
	if config.LogFile != "" {
		outputPaths = append(outputPaths, config.LogFile)
	}
	zapConfig.OutputPaths = outputPaths

	if config.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	Logger = logger.Sugar()
	SetDebugEnabled(config.Debug)
	return nil
}

func SetDebugEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&debugEnabled, 1)
	} else {
		atomic.StoreInt32(&debugEnabled, 0)
	}
}

func IsDebugEnabled() bool {
	return atomic.LoadInt32(&debugEnabled) == 1
}

// DebugLog 仅在debug模式下输出
func DebugLog(format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	Logger.Debugf(format, args...)
}

func WarnLog(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

func ErrorLog(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}
