// Package runtime provides panic-safe goroutine launching and guarded
// invocation of user-supplied callbacks.
//
// A panicking observer or background task is recovered, logged and optionally
// forwarded to an ErrorReporter; it never takes the engine down with it.
package runtime
