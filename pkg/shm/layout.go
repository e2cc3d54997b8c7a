package shm

// Binary layout of the shared region. Field offsets are the wire contract
// between the khires kernel module and this consumer; a mismatch on either
// side is a hard failure, not something that can be papered over at
// runtime. Control fields sit on their own cache lines so producer claims
// and consumer releases never false-share.
const (
	cacheLine = 64

	headOff = 0
	tailOff = cacheLine

	shmSizeUnalignedOff = 2 * cacheLine
	shmSizeAlignedOff   = shmSizeUnalignedOff + 8
	capacityOff         = shmSizeUnalignedOff + 16
	maskOff             = shmSizeUnalignedOff + 24
	droppedOff          = shmSizeUnalignedOff + 32

	// The entry array starts on the next cache line boundary after the
	// control block.
	entriesOff = 4 * cacheLine
)

// Per-slot field offsets. A slot is 40 bytes: u64 timestamp, u32 event id,
// u32 cpu id, u16 flags (padded to 8), u64 data1, u64 data2, little-endian.
const (
	entrySize = 40

	entryTimestampOff = 0
	entryEventIDOff   = 8
	entryCPUIDOff     = 12
	entryFlagsOff     = 16
	entryData1Off     = 24
	entryData2Off     = 32
)

// RegionSize returns the number of bytes a region with the given slot
// capacity occupies, header included.
func RegionSize(capacity uint64) int {
	return entriesOff + int(capacity)*entrySize
}
