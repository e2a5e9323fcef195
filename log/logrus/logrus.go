// Package logrus adapts sirupsen/logrus to spill.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/spill"
)

var _ spill.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f spill.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l LogrusLogger) Info(msg string, f spill.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f spill.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f spill.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }

func (l LogrusLogger) With(f spill.Fields) spill.Logger {
	return LogrusLogger{E: l.E.WithFields(logrus.Fields(f))}
}
