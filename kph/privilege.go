package kph

import "fmt"

type Privilege int

const (
	// PrivilegeDebug lets the holder open and read any process.
	PrivilegeDebug Privilege = iota
)

func (p Privilege) String() string {
	if p == PrivilegeDebug {
		return "debug"
	}
	return fmt.Sprintf("privilege%d", int(p))
}

// Requestor identifies the process behind a create or device-control call.
type Requestor struct {
	PID       int
	ImagePath string
}

// PrivilegeChecker answers whether a requestor holds a privilege. An error
// means the answer could not be determined; callers treat it as not held.
type PrivilegeChecker interface {
	HasPrivilege(r Requestor, p Privilege) (bool, error)
}

// PrivilegeFunc adapts a function to PrivilegeChecker.
type PrivilegeFunc func(r Requestor, p Privilege) (bool, error)

func (f PrivilegeFunc) HasPrivilege(r Requestor, p Privilege) (bool, error) {
	return f(r, p)
}
