package config

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// PgxZapLogger 把pgx的tracelog输出接到zap
type PgxZapLogger struct {
	logger *zap.Logger
	level  tracelog.LogLevel
}

// NewPgxZapLogger 创建pgx日志适配器
func NewPgxZapLogger(logger *zap.Logger, level string) *PgxZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgxZapLogger{
		logger: logger,
		level:  parseTraceLevel(level),
	}
}

// Log 实现tracelog.Logger接口
func (l *PgxZapLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	if level < l.level {
		return
	}

	fields := make([]zap.Field, 0, len(data))
	for key, value := range data {
		switch v := value.(type) {
		case string:
			fields = append(fields, zap.String(key, v))
		case int64:
			fields = append(fields, zap.Int64(key, v))
		case error:
			fields = append(fields, zap.Error(v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}

	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

// parseTraceLevel 解析字符串日志级别
func parseTraceLevel(level string) tracelog.LogLevel {
	switch level {
	case "trace":
		return tracelog.LogLevelTrace
	case "debug":
		return tracelog.LogLevelDebug
	case "info":
		return tracelog.LogLevelInfo
	case "warn":
		return tracelog.LogLevelWarn
	case "error":
		return tracelog.LogLevelError
	case "none":
		return tracelog.LogLevelNone
	default:
		return tracelog.LogLevelWarn
	}
}
