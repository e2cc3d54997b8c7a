package cycles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToMicros(t *testing.T) {
	tests := []struct {
		name   string
		perUS  PerUS
		cycles float64
		want   float64
	}{
		{name: "exact", perUS: 1000, cycles: 3000, want: 3.0},
		{name: "fractional", perUS: 2400, cycles: 1200, want: 0.5},
		{name: "zero calibration", perUS: 0, cycles: 5000, want: 0},
		{name: "zero cycles", perUS: 1000, cycles: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.perUS.ToMicros(tt.cycles), 1e-9)
		})
	}
}

func TestNowAdvances(t *testing.T) {
	first := Now()
	time.Sleep(time.Millisecond)
	second := Now()
	assert.Greater(t, second, first)
}

func TestCalibrate(t *testing.T) {
	got := Calibrate(50 * time.Millisecond)
	assert.NotZero(t, got, "counter rate must be measurable")
}
