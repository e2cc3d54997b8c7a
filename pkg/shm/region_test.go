package shm

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/khires/pkg/domain"
)

func TestNewInMemoryValidatesCapacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		wantErr  bool
	}{
		{name: "power of two", capacity: 64, wantErr: false},
		{name: "one", capacity: 1, wantErr: false},
		{name: "zero", capacity: 0, wantErr: true},
		{name: "not power of two", capacity: 100, wantErr: true},
		{name: "odd", capacity: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewInMemory(tt.capacity, zaptest.NewLogger(t))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadLayout)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.capacity, r.Capacity())
			assert.Equal(t, tt.capacity-1, r.Mask())
		})
	}
}

func TestNewRegionRejectsCorruptHeader(t *testing.T) {
	buf := make([]byte, RegionSize(8))
	initHeader(buf, 8)
	// Break the mask so it no longer matches the capacity.
	buf[maskOff] = 0xFF

	_, err := NewRegion(buf, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrBadLayout)
}

func TestNewRegionRejectsTruncatedMapping(t *testing.T) {
	buf := make([]byte, RegionSize(64))
	initHeader(buf, 64)

	_, err := NewRegion(buf[:entriesOff+entrySize], zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrBadLayout)
}

func TestPushPopRoundTrip(t *testing.T) {
	const n = 48
	r, err := NewInMemory(64, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := uint64(0); i < n; i++ {
		ok := r.Push(domain.LogEntry{
			Timestamp: 1000 + i,
			EventID:   uint32(i % 7),
			CPUID:     uint32(i % 4),
			Data1:     i,
			Data2:     ^i,
		})
		require.True(t, ok, "push %d", i)
	}

	for i := uint64(0); i < n; i++ {
		e, ok := r.Pop()
		require.True(t, ok, "pop %d", i)
		assert.Equal(t, 1000+i, e.Timestamp)
		assert.Equal(t, uint32(i%7), e.EventID)
		assert.Equal(t, uint32(i%4), e.CPUID)
		assert.Equal(t, i, e.Data1)
		assert.Equal(t, ^i, e.Data2)
		assert.True(t, e.Valid())
	}

	_, ok := r.Pop()
	assert.False(t, ok, "ring should be empty after draining")
	assert.Zero(t, r.DroppedCount())
}

func TestOverflowDropsExcess(t *testing.T) {
	const (
		capacity = 16
		extra    = 5
	)
	r, err := NewInMemory(capacity, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := uint64(0); i < capacity; i++ {
		require.True(t, r.Push(domain.LogEntry{EventID: 1, Data1: i}))
	}
	for i := 0; i < extra; i++ {
		assert.False(t, r.Push(domain.LogEntry{EventID: 1, Data1: 999}), "push into full ring must drop")
	}
	assert.Equal(t, uint64(extra), r.DroppedCount())

	// The first capacity entries survive intact.
	for i := uint64(0); i < capacity; i++ {
		e, ok := r.Pop()
		require.True(t, ok, "pop %d", i)
		assert.Equal(t, i, e.Data1)
	}

	// The dropped claims advanced head without writing anything. Each one
	// surfaces as a bounded-wait skip, never as a stale read.
	for i := 0; i < extra; i++ {
		_, ok := r.Pop()
		assert.False(t, ok)
	}
	assert.Equal(t, uint64(extra), r.SpinSkips())
	assert.Equal(t, r.LoadHead(), r.LoadTail())
}

func TestWrapAroundKeepsOrder(t *testing.T) {
	const capacity = 8
	r, err := NewInMemory(capacity, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Interleave pushes and pops for several times the capacity so every
	// slot is reused repeatedly.
	next := uint64(0)
	for i := uint64(0); i < capacity*10; i++ {
		require.True(t, r.Push(domain.LogEntry{EventID: 2, Data1: i, Data2: i * 3}))
		e, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, next, e.Data1, "entries must come out in write order")
		assert.Equal(t, next*3, e.Data2, "payload must match the generation that wrote it")
		next++
	}
	assert.Zero(t, r.DroppedCount())
	assert.Zero(t, r.SpinSkips())
}

func TestConcurrentProducersNoTearing(t *testing.T) {
	const (
		capacity  = 1024
		producers = 4
		perProd   = 20000
		// Producers pace themselves when the ring gets this close to
		// full, so a claim can never land on an unconsumed slot. The
		// slack must cover every producer passing the gate at once.
		slack = 64
	)
	r, err := NewInMemory(capacity, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := uint64(0); p < producers; p++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for seq := uint64(0); seq < perProd; seq++ {
				for r.LoadHead()-r.LoadTail() >= capacity-slack {
					runtime.Gosched()
				}
				payload := id<<32 | seq
				assert.True(t, r.Push(domain.LogEntry{EventID: uint32(id), Data1: payload, Data2: ^payload}))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	lastSeq := make([]int64, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	var received uint64
	drain := func() {
		for {
			e, ok := r.Pop()
			if !ok {
				return
			}
			received++
			id := e.Data1 >> 32
			seq := int64(e.Data1 & 0xFFFFFFFF)
			require.Less(t, id, uint64(producers))
			// VALID observed implies the payload observed is exactly what
			// that producer wrote: both words carry the same pattern.
			require.Equal(t, ^e.Data1, e.Data2, "torn or stale payload")
			// A producer's own entries arrive in claim order.
			require.Greater(t, seq, lastSeq[id], "stale prior-generation data for producer %d", id)
			lastSeq[id] = seq
		}
	}

	running := true
	for running {
		select {
		case <-done:
			running = false
		default:
			drain()
		}
	}
	drain()

	assert.Equal(t, uint64(producers*perProd), received, "every push is consumed exactly once")
	assert.Zero(t, r.DroppedCount())
	assert.Zero(t, r.SpinSkips())
}

func TestResetClearsRing(t *testing.T) {
	r, err := NewInMemory(8, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := uint64(0); i < 12; i++ {
		r.Push(domain.LogEntry{EventID: 3, Data1: i})
	}
	r.Reset()

	assert.Zero(t, r.LoadHead())
	assert.Zero(t, r.LoadTail())
	assert.Zero(t, r.DroppedCount())
	_, ok := r.Pop()
	assert.False(t, ok, "reset ring is empty")

	// Old generations cannot leak through the handshake after a reset.
	require.True(t, r.Push(domain.LogEntry{EventID: 4, Data1: 42}))
	e, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(42), e.Data1)
	assert.Equal(t, uint32(4), e.EventID)
}

func TestKernelFlagSurvivesRoundTrip(t *testing.T) {
	r, err := NewInMemory(4, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.True(t, r.Push(domain.LogEntry{EventID: 9, Flags: domain.FlagKernel}))
	e, ok := r.Pop()
	require.True(t, ok)
	assert.True(t, e.FromKernel())
	assert.True(t, e.Valid())
}
