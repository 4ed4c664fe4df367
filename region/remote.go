package region

import (
	"fmt"

	"gomapimg/common"
)

const pageSize = 0x1000

// ReadMemoryFunc copies memory at addr in another address space into buf and
// returns the number of bytes copied.
type ReadMemoryFunc func(addr uint64, buf []byte) (int, error)

// OpenRemote snapshots size bytes at base through read, one page at a time.
// Any failed or short read fails the whole snapshot.
func OpenRemote(name string, base uint64, size int, read ReadMemoryFunc) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: remote size %d", common.ErrEmptyRegion, size)
	}
	if read == nil {
		return nil, fmt.Errorf("%w: no reader", common.ErrRemoteRead)
	}

	buf := make([]byte, size)
	for done := 0; done < size; {
		addr := base + uint64(done)
		n := min(pageSize-int(addr%pageSize), size-done)
		got, err := read(addr, buf[done:done+n])
		if err != nil {
			return nil, fmt.Errorf("%w: 0x%x: %v", common.ErrRemoteRead, addr, err)
		}
		if got != n {
			return nil, fmt.Errorf("%w: short read at 0x%x (%d of %d bytes)", common.ErrRemoteRead, addr, got, n)
		}
		done += n
	}

	return FromImage(name, base, buf), nil
}
