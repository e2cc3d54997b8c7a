// Package cycles reads the hardware cycle counter and converts raw cycle
// deltas into wall-clock microseconds.
//
// The conversion constant is measured once per connection (the kernel
// module measures its own at load time and exposes it over an ioctl) and
// cached; querying it repeatedly is expensive, converting with it is a
// single division done only at report time.
package cycles

// PerUS is a cached cycles-per-microsecond calibration constant.
type PerUS uint64

// ToMicros converts a raw cycle count to microseconds. A zero calibration
// yields zero rather than dividing by it.
func (c PerUS) ToMicros(cycles float64) float64 {
	if c == 0 {
		return 0
	}
	return cycles / float64(c)
}
