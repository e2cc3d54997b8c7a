package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/yairfalse/khires/pkg/domain"
	"go.uber.org/zap"
)

// validSpinLimit bounds how many yield-and-retry iterations Pop spends
// waiting for a claimed slot's VALID bit. A slot that never turns valid is
// skipped and logged; the consumer prefers forward progress over an
// unbounded stall.
const validSpinLimit = 1000

var (
	// ErrBadLayout means the region header violates the ring contract:
	// capacity not a power of two, mask inconsistent, or the mapping too
	// small for the advertised capacity.
	ErrBadLayout = errors.New("shm: region layout violates ring contract")

	// ErrMisaligned means the backing memory is not aligned for the
	// atomic word accesses the protocol requires.
	ErrMisaligned = errors.New("shm: region base not 8-byte aligned")
)

// Region is the single entry point to the shared ring buffer memory. Every
// cross-party access goes through its atomic operations; nothing else in
// the repository touches the mapped bytes directly.
//
// Ordering rules, matching the producer side:
//   - head: fetch-add to claim (producers), acquire load (consumer)
//   - tail: release store (consumer only), acquire load (producers)
//   - per-slot flags: release store to publish, acquire load to consume
//   - dropped_count: relaxed add, the count is best-effort accounting
//
// Go's sync/atomic operations are sequentially consistent, a strict
// superset of the acquire/release ordering each site needs.
type Region struct {
	buf    []byte
	base   unsafe.Pointer
	logger *zap.Logger

	capacity uint64
	mask     uint64

	spinSkips uint64
}

// NewRegion wraps an existing shared region, typically the mmap of the
// khires device, whose header was initialized by the producer side.
func NewRegion(buf []byte, logger *zap.Logger) (*Region, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(buf) < entriesOff {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the control block", ErrBadLayout, len(buf))
	}
	base := unsafe.Pointer(&buf[0])
	if uintptr(base)%8 != 0 {
		return nil, ErrMisaligned
	}

	r := &Region{
		buf:    buf,
		base:   base,
		logger: logger.Named("shm"),
	}
	r.capacity = atomic.LoadUint64(r.u64(capacityOff))
	r.mask = atomic.LoadUint64(r.u64(maskOff))

	if r.capacity == 0 || r.capacity&(r.capacity-1) != 0 {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrBadLayout, r.capacity)
	}
	if r.mask != r.capacity-1 {
		return nil, fmt.Errorf("%w: mask 0x%x does not match capacity %d", ErrBadLayout, r.mask, r.capacity)
	}
	if len(buf) < RegionSize(r.capacity) {
		return nil, fmt.Errorf("%w: %d bytes cannot hold %d slots", ErrBadLayout, len(buf), r.capacity)
	}
	return r, nil
}

// NewInMemory allocates and initializes a private region. Used by tests and
// by the loopback connection mode, where this process is both producer and
// consumer.
func NewInMemory(capacity uint64, logger *zap.Logger) (*Region, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrBadLayout, capacity)
	}
	buf := make([]byte, RegionSize(capacity))
	initHeader(buf, capacity)
	return NewRegion(buf, logger)
}

// initHeader writes the metadata fields the kernel module would have set.
func initHeader(buf []byte, capacity uint64) {
	size := uint64(RegionSize(capacity))
	binary.LittleEndian.PutUint64(buf[shmSizeUnalignedOff:], size)
	binary.LittleEndian.PutUint64(buf[shmSizeAlignedOff:], size)
	binary.LittleEndian.PutUint64(buf[capacityOff:], capacity)
	binary.LittleEndian.PutUint64(buf[maskOff:], capacity-1)
}

func (r *Region) u64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(r.base) + off))
}

func (r *Region) u32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(r.base) + off))
}

func (r *Region) slotOff(index uint64) uintptr {
	return entriesOff + uintptr(index&r.mask)*entrySize
}

// Capacity returns the slot count, always a power of two.
func (r *Region) Capacity() uint64 { return r.capacity }

// Mask returns capacity-1, the index mask.
func (r *Region) Mask() uint64 { return r.mask }

// LoadHead returns the producers' monotonic claim cursor.
func (r *Region) LoadHead() uint64 { return atomic.LoadUint64(r.u64(headOff)) }

// LoadTail returns the consumer's monotonic release cursor.
func (r *Region) LoadTail() uint64 { return atomic.LoadUint64(r.u64(tailOff)) }

// DroppedCount returns the producers' running count of entries discarded
// because the ring was full.
func (r *Region) DroppedCount() uint64 { return atomic.LoadUint64(r.u64(droppedOff)) }

// SpinSkips returns how many claimed slots the consumer gave up on after
// the VALID wait ceiling.
func (r *Region) SpinSkips() uint64 { return atomic.LoadUint64(&r.spinSkips) }

// Push claims a slot and publishes entry. The claim is a single fetch-add
// on head, so any number of concurrent producers may call it. Returns false
// when no slot had been vacated by the consumer: the entry is dropped and
// accounted rather than overwriting unconsumed data. The claimed index is
// not rolled back on a drop; the consumer skips such slots via the VALID
// handshake.
func (r *Region) Push(e domain.LogEntry) bool {
	head := atomic.AddUint64(r.u64(headOff), 1) - 1
	tail := atomic.LoadUint64(r.u64(tailOff))
	if head-tail >= r.capacity {
		atomic.AddUint64(r.u64(droppedOff), 1)
		return false
	}

	slot := r.slotOff(head)
	*r.u64(slot + entryTimestampOff) = e.Timestamp
	*r.u32(slot + entryEventIDOff) = e.EventID
	*r.u32(slot + entryCPUIDOff) = e.CPUID
	*r.u64(slot + entryData1Off) = e.Data1
	*r.u64(slot + entryData2Off) = e.Data2

	// Publication point: the atomic flags store orders all payload writes
	// above before any consumer that acquire-loads VALID.
	atomic.StoreUint32(r.u32(slot+entryFlagsOff), uint32(e.Flags|domain.FlagValid))
	return true
}

// Pop returns the next entry, or false when the ring is currently empty.
//
// Head advancing past tail only means the slot index was claimed, not that
// the write completed, so Pop acquire-loads the slot's flags and waits for
// VALID with a bounded yield loop. A slot that never turns valid within the
// ceiling is skipped: tail still advances, the skip is counted and logged,
// and Pop reports no entry for this call. Slots left behind by dropped
// claims surface here as skips instead of stale reads because consumption
// clears VALID (see below).
func (r *Region) Pop() (domain.LogEntry, bool) {
	var e domain.LogEntry

	tail := atomic.LoadUint64(r.u64(tailOff))
	head := atomic.LoadUint64(r.u64(headOff))
	if tail == head {
		return e, false
	}

	slot := r.slotOff(tail)
	flagsPtr := r.u32(slot + entryFlagsOff)
	flags := atomic.LoadUint32(flagsPtr)
	for spins := 0; flags&uint32(domain.FlagValid) == 0; {
		spins++
		if spins >= validSpinLimit {
			atomic.AddUint64(&r.spinSkips, 1)
			r.logger.Warn("slot never became valid, skipping",
				zap.Uint64("index", tail),
				zap.Int("spins", spins),
			)
			atomic.StoreUint64(r.u64(tailOff), tail+1)
			return e, false
		}
		runtime.Gosched()
		flags = atomic.LoadUint32(flagsPtr)
	}

	e.Timestamp = *r.u64(slot + entryTimestampOff)
	e.EventID = *r.u32(slot + entryEventIDOff)
	e.CPUID = *r.u32(slot + entryCPUIDOff)
	e.Flags = uint16(flags)
	e.Data1 = *r.u64(slot + entryData1Off)
	e.Data2 = *r.u64(slot + entryData2Off)

	// Clearing VALID is not required by the tail-based protocol, but it
	// turns a claimed-then-dropped slot of a later generation into a
	// logged skip instead of a silent replay of this entry.
	atomic.StoreUint32(flagsPtr, flags&^uint32(domain.FlagValid))

	// Release the slot. The tail store is the only signal producers use
	// to reclaim space, so it must come after every payload read above.
	atomic.StoreUint64(r.u64(tailOff), tail+1)
	return e, true
}

// Reset rewinds the ring to empty and clears every slot's VALID bit so no
// prior-generation payload can satisfy the handshake. Mirrors what the
// kernel module does on its reset ioctl; only meaningful while no producer
// is concurrently pushing.
func (r *Region) Reset() {
	atomic.StoreUint64(r.u64(headOff), 0)
	atomic.StoreUint64(r.u64(tailOff), 0)
	atomic.StoreUint64(r.u64(droppedOff), 0)
	for i := uint64(0); i < r.capacity; i++ {
		flagsPtr := r.u32(r.slotOff(i) + entryFlagsOff)
		for {
			old := atomic.LoadUint32(flagsPtr)
			if atomic.CompareAndSwapUint32(flagsPtr, old, old&^uint32(domain.FlagValid)) {
				break
			}
		}
	}
}
