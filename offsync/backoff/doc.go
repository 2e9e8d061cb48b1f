// Package backoff turns a retry policy into concrete per-attempt delays and
// runs retry loops on an injected clock.
//
// Policy.Delay computes an exponential delay capped at MaxDelay with optional
// ratio jitter; Retry drives an operation under that policy while respecting
// context cancellation.
package backoff
