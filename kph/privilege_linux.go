//go:build linux

package kph

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CapabilityChecker maps privileges onto Linux capabilities and reads the
// requestor's effective set with capget(2). PrivilegeDebug is CAP_SYS_PTRACE.
type CapabilityChecker struct{}

func (CapabilityChecker) HasPrivilege(r Requestor, p Privilege) (bool, error) {
	var capability uint
	switch p {
	case PrivilegeDebug:
		capability = unix.CAP_SYS_PTRACE
	default:
		return false, fmt.Errorf("no capability for %s", p)
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3, Pid: int32(r.PID)}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("capget pid %d: %w", r.PID, err)
	}
	return data[capability/32].Effective&(1<<(capability%32)) != 0, nil
}
