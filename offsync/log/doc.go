// Package log defines the logging contract used across offsync and its typed
// structured fields.
//
// Adapters (such as the zap package) implement Logger so the engine, its lanes
// and the storage adapters log consistently regardless of backend.
package log
