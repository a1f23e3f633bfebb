//go:build !linux

package transport

import "syscall"

// setPdeathsig is a no-op outside Linux.
func setPdeathsig(_ *syscall.SysProcAttr) {}
