// Package zap adapts go.uber.org/zap to the offsync log.Logger contract.
package zap
