// Package circuitbreaker wraps a protocol.Transport with sony/gobreaker
// breakers so a failing backend is short-circuited instead of hammered by the
// engine's retry loops.
//
// Batched writes and pulls trip independent breakers. Subscriptions pass
// through untouched; the notify lane already paces reconnects.
package circuitbreaker
