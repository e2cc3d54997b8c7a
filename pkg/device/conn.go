// Package device owns the connection to the khires character device: the
// file descriptor, the mmapped shared ring region, the cached ring geometry
// and the cycle calibration constant.
package device

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/khires/pkg/cycles"
	"github.com/yairfalse/khires/pkg/domain"
	"github.com/yairfalse/khires/pkg/shm"
)

// DefaultPath is the khires device node.
const DefaultPath = "/dev/khires"

// ErrClosed is returned by operations on a released connection.
var ErrClosed = errors.New("device: connection closed")

// Conn is the exclusive owner of the consumer-side tail cursor; exactly one
// Conn may drain a given ring. Close releases the mapping and descriptor
// exactly once and is safe to call more than once.
type Conn struct {
	mu     sync.Mutex
	closed bool

	path   string
	fd     int
	mem    []byte
	region *shm.Region
	logger *zap.Logger

	cyclesPerUS cycles.PerUS
}

// Connect opens the device, reads the ring geometry over ioctl, maps the
// shared region and caches the calibration constant. Connection failures
// are fatal to the caller: a missing or mismatched segment cannot be healed
// by retrying.
func Connect(path string, logger *zap.Logger) (*Conn, error) {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return connect(path, logger.Named("device"))
}

// NewLoopback builds a connection over a private in-memory region instead
// of a device mapping, with this process acting as both producer and
// consumer. Used by tests and bench setups that run without the kernel
// module loaded.
func NewLoopback(capacity uint64, perUS cycles.PerUS, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	region, err := shm.NewInMemory(capacity, logger)
	if err != nil {
		return nil, err
	}
	return &Conn{
		path:        "loopback",
		fd:          -1,
		region:      region,
		logger:      logger.Named("device"),
		cyclesPerUS: perUS,
	}, nil
}

// Path returns the device node this connection was opened on.
func (c *Conn) Path() string { return c.path }

// Capacity returns the ring's slot count.
func (c *Conn) Capacity() uint64 { return c.region.Capacity() }

// IndexMask returns capacity-1.
func (c *Conn) IndexMask() uint64 { return c.region.Mask() }

// CyclesPerUS returns the cached calibration constant, fetched once at
// connect time.
func (c *Conn) CyclesPerUS() cycles.PerUS { return c.cyclesPerUS }

// DroppedCount returns the producers' running drop counter.
func (c *Conn) DroppedCount() uint64 { return c.region.DroppedCount() }

// Pop drains the next entry, if any. Must not be called after Close.
func (c *Conn) Pop() (domain.LogEntry, bool) { return c.region.Pop() }

// Log appends one event from this process, stamping it with the current
// cycle count and core. Returns false when the ring was full and the entry
// was dropped.
func (c *Conn) Log(eventID uint32, data1, data2 uint64) bool {
	ts, cpu := cycles.NowCPU()
	return c.region.Push(domain.LogEntry{
		Timestamp: ts,
		EventID:   eventID,
		CPUID:     cpu,
		Data1:     data1,
		Data2:     data2,
	})
}

// Reset rewinds the ring to empty. On a device connection the kernel module
// performs the reset; loopback connections reset in place.
func (c *Conn) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.fd >= 0 {
		return c.resetDevice()
	}
	c.region.Reset()
	return nil
}

// Close releases the mapping and descriptor. Idempotent: the second and
// later calls are no-ops.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.release()
	c.logger.Info("disconnected", zap.String("path", c.path))
	return err
}

func (c *Conn) release() error {
	var first error
	if c.mem != nil {
		if err := unmap(c.mem); err != nil {
			first = err
		}
		c.mem = nil
	}
	c.region = nil
	if c.fd >= 0 {
		if err := closeFD(c.fd); err != nil && first == nil {
			first = err
		}
		c.fd = -1
	}
	return first
}
