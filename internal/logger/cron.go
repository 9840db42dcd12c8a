package logger

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct {
	l *zap.SugaredLogger
}

// Cron adapts a zap logger to cron.Logger. Scheduler chatter goes to debug.
func Cron(l *zap.Logger) cron.Logger {
	return cronLogger{l: l.Sugar().Named("cron")}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
