package log

import (
	"context"
	"fmt"
)

// SafeError logs errors with explicit production-aware sanitization.
// When production is true, only the error type is logged, since transport
// errors may echo server payloads.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
