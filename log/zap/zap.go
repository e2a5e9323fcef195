// Package zap adapts go.uber.org/zap to spill.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/spill"
)

var _ spill.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f spill.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f spill.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f spill.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f spill.Fields) { z.L.Error(msg, zf(f)...) }

func (z ZapLogger) With(f spill.Fields) spill.Logger { return ZapLogger{L: z.L.With(zf(f)...)} }

func zf(f spill.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
