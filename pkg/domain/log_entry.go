package domain

// Flag bits carried in a LogEntry's flags word.
const (
	// FlagValid marks a slot's payload as fully written and safe to read.
	// Setting it is the producer's publication point.
	FlagValid uint16 = 1 << 0
	// FlagKernel marks an entry written from kernel context rather than a
	// userspace producer.
	FlagKernel uint16 = 1 << 1
)

// LogEntry is one fixed-size telemetry record as it appears in the shared
// ring. Timestamp is a raw cycle count; divide by the connection's
// cycles-per-microsecond constant to get wall-clock units. Data1 and Data2
// are producer-defined payload words.
type LogEntry struct {
	Timestamp uint64
	EventID   uint32
	CPUID     uint32
	Flags     uint16
	Data1     uint64
	Data2     uint64
}

// Valid reports whether the entry's payload was published.
func (e *LogEntry) Valid() bool {
	return e.Flags&FlagValid != 0
}

// FromKernel reports whether the entry was produced in kernel context.
func (e *LogEntry) FromKernel() bool {
	return e.Flags&FlagKernel != 0
}
