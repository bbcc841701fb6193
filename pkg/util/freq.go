package util

import (
	"fmt"
	"math"
)

func MHzToString(hz int64) string {
	return fmt.Sprintf("%0.4f MHz", float64(hz)/1e6)
}

// RoundFrequency converts a frequency reported as a float (tuner, device
// header midpoint) into whole hertz.
func RoundFrequency(hz float64) int64 {
	return int64(math.Round(hz))
}

// CenterFrequency returns the midpoint of a reported span.
func CenterFrequency(low, high float64) int64 {
	return RoundFrequency((low + high) / 2)
}

func FrequencyInRange(hz, low, high int64) bool {
	return hz >= low && hz <= high
}
