package transport

import "syscall"

// setPdeathsig makes the server command die with this process.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
