//go:build !linux

package device

import (
	"fmt"

	"go.uber.org/zap"
)

func connect(path string, _ *zap.Logger) (*Conn, error) {
	return nil, fmt.Errorf("khires device %s: only available on linux", path)
}

func (c *Conn) resetDevice() error {
	return fmt.Errorf("khires device reset: only available on linux")
}

func unmap(_ []byte) error { return nil }

func closeFD(_ int) error { return nil }
