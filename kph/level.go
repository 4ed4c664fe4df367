// Package kph models the kernel command channel: a device whose create
// routine gates clients by security level, and a device-control dispatch
// surface whose commands run on the calling goroutine.
package kph

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityLevel is read once at device start and never changes.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecuritySignatureCheck
	SecurityPrivilegeCheck
	SecuritySignatureAndPrivilegeCheck

	DefaultSecurityLevel = SecurityPrivilegeCheck
)

var levelNames = map[SecurityLevel]string{
	SecurityNone:                       "none",
	SecuritySignatureCheck:             "signature",
	SecurityPrivilegeCheck:             "privilege",
	SecuritySignatureAndPrivilegeCheck: "signature+privilege",
}

func (l SecurityLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level%d", int(l))
}

func (l SecurityLevel) Valid() bool {
	return l >= SecurityNone && l <= SecuritySignatureAndPrivilegeCheck
}

// RequiresSignature reports whether clients must pass IoctlVerifyClient
// before issuing gated commands.
func (l SecurityLevel) RequiresSignature() bool {
	return l == SecuritySignatureCheck || l == SecuritySignatureAndPrivilegeCheck
}

// RequiresPrivilege reports whether the requestor must hold PrivilegeDebug.
func (l SecurityLevel) RequiresPrivilege() bool {
	return l == SecurityPrivilegeCheck || l == SecuritySignatureAndPrivilegeCheck
}

// ParseSecurityLevel accepts the numeric value 0-3 or a level name.
// "unrestricted" and "both" are accepted as aliases.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		l := SecurityLevel(n)
		if !l.Valid() {
			return 0, fmt.Errorf("security level %d out of range 0-3", n)
		}
		return l, nil
	}
	switch s {
	case "unrestricted":
		return SecurityNone, nil
	case "both":
		return SecuritySignatureAndPrivilegeCheck, nil
	}
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown security level %q", s)
}

// Set implements flag.Value.
func (l *SecurityLevel) Set(s string) error {
	v, err := ParseSecurityLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// UnmarshalYAML accepts either an integer or a level name.
func (l *SecurityLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return l.Set(raw)
}

func (l SecurityLevel) MarshalYAML() (any, error) {
	return l.String(), nil
}
