// SPDX-License-Identifier: MIT

// Package classify labels encoder process failures. Classification is a
// pure function of the exit error, captured stderr and whether a stop
// was requested; deciding what to do about a failure lives in the
// reconnect policy, kept separate so both stay independently testable.
package classify

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Kind is the failure label, exactly one per exit.
type Kind int

const (
	Unclassified Kind = iota
	UserStop
	Crash
	FatalConfig
	MemoryPressure
	ConnectionError
)

func (k Kind) String() string {
	switch k {
	case UserStop:
		return "user_stop"
	case Crash:
		return "crash"
	case FatalConfig:
		return "fatal_config"
	case MemoryPressure:
		return "memory_pressure"
	case ConnectionError:
		return "connection_error"
	default:
		return "unclassified"
	}
}

// Retryable reports whether automatic reconnection may handle this
// kind. Only network-class failures qualify; unknown failures surface
// instead of being silently retried.
func (k Kind) Retryable() bool { return k == ConnectionError }

// Result carries the label plus the diagnostics that end up in the
// persisted error message.
type Result struct {
	Kind     Kind
	ExitCode int
	Signal   string // signal name when the process died on one
	Match    string // stderr fragment that decided the classification
	Hint     string // remediation hint, human-readable
}

// Pattern tables are matched case-insensitively against stderr, in
// table order. Fatal configuration beats memory which beats connection:
// a network-looking line must not win over a misconfiguration that will
// fail every retry the same way.
var fatalConfigPatterns = []string{
	"no such file or directory",
	"permission denied",
	"unknown encoder",
	"unrecognized option",
	"option not found",
	"invalid argument",
	"error opening input",
	"invalid data found when processing input",
}

var memoryPatterns = []string{
	"cannot allocate memory",
	"out of memory",
	"failed to allocate",
	// An unrequested SIGKILL surfaces as "signal: killed" in the exit
	// error; on Linux that is almost always the OOM killer.
	"killed",
}

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"reset by peer",
	"broken pipe",
	"timed out",
	"network is unreachable",
	"no route to host",
	"failed to connect",
	"end of file",
	"input/output error",
	"i/o error",
	"handshake",
	"rtmp server sent error",
	"publish.badname",
}

// Classify labels one encoder exit.
//
// Fault signals are checked before the stop request so a crash during
// teardown is never mis-read as a benign user stop; the stop request is
// checked before stderr so the noise a killed process prints does not
// get classified as a failure.
func Classify(err error, stderr string, stopRequested bool) Result {
	res := Result{Kind: Unclassified, ExitCode: -1}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if sig, ok := exitSignal(exitErr); ok {
			res.Signal = sig.String()
			if isFaultSignal(sig) {
				res.Kind = Crash
				res.Hint = fmt.Sprintf("encoder crashed (%s); check codec support, input file integrity and available memory", res.Signal)
				return res
			}
			if stopRequested && isStopSignal(sig) {
				res.Kind = UserStop
				return res
			}
		}
	}
	if stopRequested {
		// Stop raced the exit: the process died on its own terms while
		// we were tearing it down. Still a user stop.
		res.Kind = UserStop
		return res
	}

	haystack := strings.ToLower(stderr)
	if err != nil {
		haystack += "\n" + strings.ToLower(err.Error())
	}

	if m := firstMatch(haystack, fatalConfigPatterns); m != "" {
		res.Kind = FatalConfig
		res.Match = m
		res.Hint = "unrecoverable encoder configuration (" + m + "); fix the broadcast settings before restarting"
		return res
	}
	if m := firstMatch(haystack, memoryPatterns); m != "" {
		res.Kind = MemoryPressure
		res.Match = m
		res.Hint = "encoder ran out of memory; lower the output resolution or bitrate, or add memory"
		return res
	}
	if m := firstMatch(haystack, connectionPatterns); m != "" {
		res.Kind = ConnectionError
		res.Match = m
		res.Hint = "network failure reaching the ingest endpoint (" + m + ")"
		return res
	}

	return res
}

func firstMatch(haystack string, patterns []string) string {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return p
		}
	}
	return ""
}
