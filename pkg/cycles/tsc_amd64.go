//go:build amd64

package cycles

// Now returns the current value of the processor timestamp counter.
func Now() uint64 {
	return rdtsc()
}

// NowCPU returns the timestamp counter together with the identity of the
// core the read executed on. Linux loads the core number into IA32_TSC_AUX,
// which RDTSCP reads atomically with the counter.
func NowCPU() (uint64, uint32) {
	return rdtscp()
}

func rdtsc() uint64

func rdtscp() (uint64, uint32)
