package spill

import "time"

const (
	defaultSegments             = 256
	defaultWorkers              = 4
	defaultStopTimeout          = 30 * time.Second
	defaultAvailabilityInterval = time.Second
	defaultQueueSize            = 100
	defaultFlushInterval        = 100 * time.Millisecond
	defaultLockStripes          = 256
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func wallClock() int64 { return time.Now().UnixMilli() }
