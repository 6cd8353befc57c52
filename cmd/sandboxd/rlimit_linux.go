//go:build linux

package main

import "golang.org/x/sys/unix"

// setStartupRlimits sets (soft and hard alike) the host-side limits that bound the dispatcher
// process itself (file descriptors and process count scale with pool size
// and concurrent guest connections; the guest agent sets its own, stricter
// limits inside each VM). Failure here is fatal: the process cannot safely
// run a pool of any real size without enough file descriptors for the TAP
// devices, hypervisor sockets, and per-request HTTP connections.
func setStartupRlimits(maxOpenFiles, maxProcesses uint64) error {
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: maxOpenFiles, Max: maxOpenFiles}); err != nil {
		return err
	}
	if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: maxProcesses, Max: maxProcesses}); err != nil {
		return err
	}
	return nil
}
