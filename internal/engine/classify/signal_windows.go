// SPDX-License-Identifier: MIT

//go:build windows

package classify

import (
	"os/exec"
	"syscall"
)

// Windows has no POSIX signal delivery; exits always look like plain
// exit codes and classification falls through to stderr matching.
func exitSignal(_ *exec.ExitError) (syscall.Signal, bool) { return 0, false }

func isFaultSignal(_ syscall.Signal) bool { return false }

func isStopSignal(_ syscall.Signal) bool { return false }
