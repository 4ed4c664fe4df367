//go:build !linux

package region

import (
	"fmt"

	"gomapimg/common"
)

// ProcessReader is only implemented on Linux.
func ProcessReader(pid int) ReadMemoryFunc {
	return func(addr uint64, buf []byte) (int, error) {
		return 0, fmt.Errorf("%w: reading process %d", common.ErrNotSupported, pid)
	}
}
