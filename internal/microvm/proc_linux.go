//go:build linux

package microvm

import "syscall"

// setpgidAttr puts the hypervisor child in its own process group so
// killProcess can signal the whole group (hypervisor + any children it
// spawns) rather than just the direct child PID.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
