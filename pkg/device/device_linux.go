//go:build linux

package device

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/yairfalse/khires/pkg/cycles"
	"github.com/yairfalse/khires/pkg/shm"
)

// ioctl command numbers for the khires device, magic 'h'. Encodings follow
// the kernel's _IO/_IOR macros: dir<<30 | size<<16 | magic<<8 | nr.
const (
	iocRead     = 2
	iocMagic    = 'h'
	rbMetaSize  = 24
	cyclesSize  = 8
	cmdResetRB  = iocMagic<<8 | 1
	cmdRBMeta   = iocRead<<30 | rbMetaSize<<16 | iocMagic<<8 | 2
	cmdCyclesUS = iocRead<<30 | cyclesSize<<16 | iocMagic<<8 | 3
)

// rbMeta mirrors the kernel's ring metadata struct.
type rbMeta struct {
	Capacity     uint64
	IdxMask      uint64
	ShmSizeBytes uint64
}

func connect(path string, logger *zap.Logger) (*Conn, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var meta rbMeta
	if err := ioctlPtr(fd, cmdRBMeta, unsafe.Pointer(&meta)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reading ring geometry from %s: %w", path, err)
	}

	size := int(meta.ShmSizeBytes)
	if min := shm.RegionSize(meta.Capacity); size < min {
		size = min
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping %d bytes of %s: %w", size, path, err)
	}

	region, err := shm.NewRegion(mem, logger)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("validating shared region of %s: %w", path, err)
	}
	if region.Capacity() != meta.Capacity || region.Mask() != meta.IdxMask {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("%w: header capacity %d/mask 0x%x disagree with ioctl %d/0x%x",
			shm.ErrBadLayout, region.Capacity(), region.Mask(), meta.Capacity, meta.IdxMask)
	}

	var perUS uint64
	if err := ioctlPtr(fd, cmdCyclesUS, unsafe.Pointer(&perUS)); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("reading cycle calibration from %s: %w", path, err)
	}

	logger.Info("connected",
		zap.String("path", path),
		zap.Uint64("capacity", meta.Capacity),
		zap.Uint64("index_mask", meta.IdxMask),
		zap.Uint64("cycles_per_us", perUS),
	)

	return &Conn{
		path:        path,
		fd:          fd,
		mem:         mem,
		region:      region,
		logger:      logger,
		cyclesPerUS: cycles.PerUS(perUS),
	}, nil
}

func (c *Conn) resetDevice() error {
	if err := ioctlPtr(c.fd, cmdResetRB, nil); err != nil {
		return fmt.Errorf("resetting ring: %w", err)
	}
	return nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
