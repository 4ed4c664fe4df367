//go:build linux

package region

import "golang.org/x/sys/unix"

// ProcessReader reads the memory of process pid with process_vm_readv.
func ProcessReader(pid int) ReadMemoryFunc {
	return func(addr uint64, buf []byte) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		local := []unix.Iovec{{Base: &buf[0]}}
		local[0].SetLen(len(buf))
		remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
		return unix.ProcessVMReadv(pid, local, remote, 0)
	}
}
