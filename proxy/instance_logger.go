package proxy

import (
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InstanceLogger builds a zap.Logger bound to one running Server, tagging
// every entry with an instance id/name/port so logs from several proxy
// instances in the same process (or the same log aggregator) can be told
// apart.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Port         string
	LogFilePath  string
	logger       *zap.Logger
}

// NewInstanceLogger builds an instance logger writing to the process's
// default zap output.
func NewInstanceLogger(addr, instanceName string) *InstanceLogger {
	return NewInstanceLoggerWithFile(addr, instanceName, "")
}

// NewInstanceLoggerWithFile builds an instance logger. When logFilePath is
// non-empty, entries are JSON-encoded and appended to that file instead of
// going through the process default.
func NewInstanceLoggerWithFile(addr, instanceName, logFilePath string) *InstanceLogger {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		port = addr[idx+1:]
	}
	if instanceName == "" {
		instanceName = fmt.Sprintf("proxy-%s", port)
	}

	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Port:         port,
		LogFilePath:  logFilePath,
	}

	base := zap.L()
	if logFilePath != "" {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{logFilePath}
		built, err := cfg.Build()
		if err != nil {
			zap.L().Error("failed to open instance log file", zap.String("file", logFilePath), zap.Error(err))
		} else {
			base = built
		}
	}

	il.logger = base.With(
		zap.String("instance_id", il.InstanceID),
		zap.String("instance_name", il.InstanceName),
		zap.String("port", il.Port),
	)
	return il
}

// WithFields returns a logger with additional structured fields bound in.
func (il *InstanceLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return il.logger.With(fields...)
}

// GetLogger returns the instance-tagged logger.
func (il *InstanceLogger) GetLogger() *zap.Logger {
	return il.logger
}
