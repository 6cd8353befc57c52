//go:build !linux

package microvm

import "syscall"

func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
