package util

import "time"

// TimedMicroseconds runs op and returns its result with the elapsed wall time
// in microseconds, the unit the influx duration fields use.
func TimedMicroseconds[T any](op func() T) (T, int64) {
	start := time.Now()
	v := op()
	return v, time.Since(start).Microseconds()
}
