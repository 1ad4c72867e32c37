package webrtc

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging onto zap.
type zapLoggerFactory struct {
	logger *zap.SugaredLogger
}

func NewLoggerFactory(logger *zap.SugaredLogger) logging.LoggerFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &zapLoggerFactory{logger: logger}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type zapLeveledLogger struct {
	logger *zap.SugaredLogger
}

// pion trace output is far too chatty for debug level, so it is dropped.
func (l *zapLeveledLogger) Trace(msg string)                          {}
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {}

func (l *zapLeveledLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Info(msg string) { l.logger.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Error(msg string) { l.logger.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
