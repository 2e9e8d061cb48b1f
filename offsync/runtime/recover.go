package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-offsync/offsync/log"
)

// PanicPolicy decides what happens after a panic has been recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging it.
	CrashProcess
)

const maxLoggedStack = 4096

// SafeGo launches fn in a goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, "offsync", name, policy)

		fn()
	}()
}

// RecoverWithPolicy recovers from a panic, logs it and applies policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// SafeCall runs fn and reports whether it panicked. The panic is logged and
// reported; it never propagates to the caller.
func SafeCall(ctx context.Context, logger log.Logger, component, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true

			HandlePanicValue(ctx, logger, r, component, name)
		}
	}()

	fn()

	return false
}

// HandlePanicValue logs an already recovered panic value and forwards it to
// the configured ErrorReporter.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if logger != nil {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("goroutine", name),
			log.String("panic", formatPanicValue(panicValue)),
			log.String("stack", truncateStack(stack)),
		)
	}

	reportPanic(ctx, panicValue, stack, component, name)
}

func truncateStack(stack []byte) string {
	if len(stack) <= maxLoggedStack {
		return string(stack)
	}

	return string(stack[:maxLoggedStack]) + "\n...[truncated]"
}

func formatPanicValue(value any) string {
	switch val := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
