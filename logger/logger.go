// Package logger provides the leveled, field-structured logger used
// throughout talon. Each logger writes the entries at or above its
// minimum level to a single outlet; there are no per-level outlet lists.
// Packages receive a Logger and derive children via WithField.
//
// Datapath code must not log on the hot path except at Debug level.
package logger

import (
	"fmt"
	"time"
)

// The field set by WithError.
const FieldError = "err"

const defaultUserFieldCapacity = 5

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("%%invalid(%d)", int(l))
	}
}

// AllLevels in ascending severity order.
var AllLevels = []Level{Debug, Info, Warn, Error}

type Fields map[string]interface{}

type Entry struct {
	Level   Level
	Message string
	Time    time.Time
	Fields  Fields
}

// Outlet receives the log entries that pass the logger's minimum level.
type Outlet interface {
	WriteEntry(entry Entry) error
}

type Logger interface {
	WithField(field string, val interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Printf(format string, args ...interface{})
}

type loggerImpl struct {
	fields   Fields
	outlet   Outlet
	minLevel Level
}

var _ Logger = (*loggerImpl)(nil)

// NewLogger writes entries at or above minLevel to outlet.
func NewLogger(outlet Outlet, minLevel Level) Logger {
	return &loggerImpl{
		fields:   make(Fields, defaultUserFieldCapacity),
		outlet:   outlet,
		minLevel: minLevel,
	}
}

func (l *loggerImpl) log(level Level, msg string) {
	if level < l.minLevel {
		return
	}
	entry := Entry{level, msg, time.Now(), l.fields}
	if err := l.outlet.WriteEntry(entry); err != nil {
		// Swallow outlet errors: the datapath must not stall on a
		// broken log sink.
		_ = err
	}
}

func (l *loggerImpl) WithField(field string, val interface{}) Logger {
	child := &loggerImpl{
		fields:   make(Fields, len(l.fields)+1),
		outlet:   l.outlet,
		minLevel: l.minLevel,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *loggerImpl) WithFields(fields Fields) Logger {
	ret := Logger(l)
	for field, val := range fields {
		ret = ret.WithField(field, val)
	}
	return ret
}

func (l *loggerImpl) WithError(err error) Logger {
	val := interface{}(nil)
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *loggerImpl) Debug(msg string) { l.log(Debug, msg) }
func (l *loggerImpl) Info(msg string)  { l.log(Info, msg) }
func (l *loggerImpl) Warn(msg string)  { l.log(Warn, msg) }
func (l *loggerImpl) Error(msg string) { l.log(Error, msg) }

func (l *loggerImpl) Printf(format string, args ...interface{}) {
	l.log(Info, fmt.Sprintf(format, args...))
}
