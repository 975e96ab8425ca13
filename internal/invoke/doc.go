// Package invoke runs one external tool and captures what it did.
//
// The invoker knows nothing about pipeline semantics. Every call names its
// working directory explicitly; the process-wide current directory is never
// touched, so concurrent runs in different workspaces cannot interfere.
//
// Key behaviours:
//   - stdout and stderr captured separately (each capped at 64KB)
//   - non-zero exit is reported in Result, never as an error
//   - executable that cannot start → *SpawnError
//   - bounded wait: timeout sends SIGTERM to the process group, then SIGKILL
//     after a grace period → *TimeoutError
//   - context cancellation terminates the process group the same way
//     → *CanceledError
package invoke
