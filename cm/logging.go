package cm

import (
	"fmt"
	"strings"
)

// Logger receives printf-style log records. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Infow(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

const logMessage = "rdmacm"

// logSink routes records to the structured logger when one is configured and
// to the printf logger otherwise.
type logSink struct {
	logger     Logger
	structured StructuredLogger
}

func newLogSink(cfg Config) logSink {
	sink := logSink{logger: cfg.Logger, structured: cfg.StructuredLogger}
	if sink.structured == nil {
		if s, ok := cfg.Logger.(StructuredLogger); ok {
			sink.structured = s
		}
	}
	return sink
}

func (l logSink) log(level LogLevel, event string, fields ...logField) {
	if l.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		switch level {
		case LogLevelError:
			l.structured.Errorw(logMessage, kv...)
		case LogLevelWarn:
			l.structured.Warnw(logMessage, kv...)
		case LogLevelDiag:
			l.structured.Infow(logMessage, kv...)
		default:
			l.structured.Debugw(logMessage, kv...)
		}
		return
	}
	if l.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	switch level {
	case LogLevelError:
		l.logger.Errorf("%s %s", logMessage, b.String())
	case LogLevelWarn:
		l.logger.Warnf("%s %s", logMessage, b.String())
	case LogLevelDiag:
		l.logger.Infof("%s %s", logMessage, b.String())
	default:
		l.logger.Debugf("%s %s", logMessage, b.String())
	}
}
