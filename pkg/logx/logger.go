package logx

import (
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger is the handle the rest of the daemon logs through.
//
// A Logger obtained from a Service keeps following it as Apply swaps
// levels or sinks, so handles never go stale. The zero value is valid
// and silent.
type Logger struct {
	svc    *Service
	static zerolog.Logger
	bound  bool

	fields []Field
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return Logger{static: zerolog.Nop(), bound: true}
}

// IsZero reports whether l is the zero value. Constructors use it to
// substitute Nop for a logger the caller never set.
func (l Logger) IsZero() bool {
	return l.svc == nil && !l.bound && len(l.fields) == 0
}

// With returns a copy of l that adds fields to every event it emits.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = append(append([]Field(nil), l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.bound:
		return l.static
	default:
		return zerolog.Nop()
	}
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	e := l.sink().WithLevel(level)
	if e == nil {
		return
	}
	if at := callsite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	applyFields(e, l.fields)
	applyFields(e, fields)
	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

// callsite reports the logging call site as basename:line, which keeps
// the caller column short in console output.
func callsite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
