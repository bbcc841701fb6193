package util

import (
	"testing"
	"time"
)

func TestTimedMicroseconds(t *testing.T) {
	v, elapsed := TimedMicroseconds(func() int {
		time.Sleep(2 * time.Millisecond)
		return 42
	})
	if v != 42 {
		t.Errorf("TimedMicroseconds() value = %v, want 42", v)
	}
	if elapsed < 2000 {
		t.Errorf("TimedMicroseconds() elapsed = %dus, want at least 2000us", elapsed)
	}
}
