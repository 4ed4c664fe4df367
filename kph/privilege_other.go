//go:build !linux

package kph

import (
	"fmt"

	"gomapimg/common"
)

// CapabilityChecker holds no privilege outside Linux.
type CapabilityChecker struct{}

func (CapabilityChecker) HasPrivilege(r Requestor, p Privilege) (bool, error) {
	return false, fmt.Errorf("%w: %s privilege for pid %d", common.ErrNotSupported, p, r.PID)
}
