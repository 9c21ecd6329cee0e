package webrtc

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging into zap.
type zapLoggerFactory struct {
	logger *zap.SugaredLogger
}

func newZapLoggerFactory(logger *zap.SugaredLogger) logging.LoggerFactory {
	return &zapLoggerFactory{logger: logger}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type zapLeveledLogger struct {
	logger *zap.SugaredLogger
}

// pion traces every packet; trace is folded into debug.
func (l *zapLeveledLogger) Trace(msg string)                          { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *zapLeveledLogger) Debug(msg string)                          { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                           { l.logger.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                           { l.logger.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                          { l.logger.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
