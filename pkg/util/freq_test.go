package util

import "testing"

func TestRoundFrequency(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want int64
	}{
		{"exact", 100e6, 100000000},
		{"round up", 433920000.5, 433920001},
		{"round down", 433920000.4, 433920000},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundFrequency(tt.in); got != tt.want {
				t.Errorf("RoundFrequency() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCenterFrequency(t *testing.T) {
	if got := CenterFrequency(99950000, 100050000); got != 100000000 {
		t.Errorf("CenterFrequency() = %v, want 100000000", got)
	}
}

func TestMHzToString(t *testing.T) {
	if got := MHzToString(433920000); got != "433.9200 MHz" {
		t.Errorf("MHzToString() = %q", got)
	}
}
