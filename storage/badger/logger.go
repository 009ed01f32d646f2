package badger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// slogLogger adapts slog to badger.Logger.
type slogLogger struct {
	logger *slog.Logger
}

func newLogger(logger *slog.Logger) badger.Logger {
	if logger == nil {
		return nil
	}
	return &slogLogger{logger: logger.With("component", "badger")}
}

func (l *slogLogger) log(level slog.Level, format string, args ...interface{}) {
	l.logger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

func (l *slogLogger) Warningf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}
