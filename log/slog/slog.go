// Package slog adapts log/slog to spill.Logger.
package slog

import (
	"context"
	stdslog "log/slog"

	"github.com/unkn0wn-root/spill"
)

var _ spill.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func (s Logger) log(level stdslog.Level, msg string, f spill.Fields) {
	s.L.LogAttrs(context.Background(), level, msg, attrs(f)...)
}

func (s Logger) Debug(msg string, f spill.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f spill.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f spill.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f spill.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) With(f spill.Fields) spill.Logger {
	args := make([]any, 0, len(f))
	for _, a := range attrs(f) {
		args = append(args, a)
	}
	return Logger{L: s.L.With(args...)}
}

func attrs(f spill.Fields) []stdslog.Attr {
	if len(f) == 0 {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(f))
	for k, v := range f {
		out = append(out, stdslog.Any(k, v))
	}
	return out
}
