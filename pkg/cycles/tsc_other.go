//go:build !amd64

package cycles

import "time"

var epoch = time.Now()

// Now falls back to monotonic-clock nanoseconds on architectures without a
// usable TSC read. Calibrate accounts for the different unit.
func Now() uint64 {
	return uint64(time.Since(epoch).Nanoseconds())
}

// NowCPU has no cheap core-identity read here; callers get core 0.
func NowCPU() (uint64, uint32) {
	return Now(), 0
}
