// SPDX-License-Identifier: MIT

//go:build unix

package classify

import (
	"os/exec"
	"syscall"
)

func exitSignal(exitErr *exec.ExitError) (syscall.Signal, bool) {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return ws.Signal(), true
}

func isFaultSignal(sig syscall.Signal) bool {
	return sig == syscall.SIGSEGV || sig == syscall.SIGBUS || sig == syscall.SIGABRT
}

func isStopSignal(sig syscall.Signal) bool {
	return sig == syscall.SIGTERM || sig == syscall.SIGKILL || sig == syscall.SIGINT
}
