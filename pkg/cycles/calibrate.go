package cycles

import "time"

// DefaultCalibration is how long Calibrate samples the counter. Half a
// second keeps the measured rate close enough for reporting purposes.
const DefaultCalibration = 500 * time.Millisecond

// Calibrate measures the cycle counter against the monotonic clock and
// returns cycles per microsecond. The kernel module performs its own
// measurement at load time; this fallback serves loopback and bench modes
// where no device-provided constant exists.
func Calibrate(d time.Duration) PerUS {
	if d <= 0 {
		d = DefaultCalibration
	}

	t0 := time.Now()
	start := Now()
	time.Sleep(d)
	end := Now()
	elapsed := time.Since(t0)

	us := float64(elapsed.Nanoseconds()) / 1e3
	if us <= 0 || end <= start {
		return 0
	}
	return PerUS(float64(end-start) / us)
}
