package runtime

import (
	"context"
	"sync/atomic"
)

// ErrorReporter receives panics recovered inside engine goroutines and
// observer callbacks, for example to forward them to an error tracker.
// CaptureException is called synchronously on the recovering goroutine.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

type reporterHolder struct {
	reporter ErrorReporter
}

var currentReporter atomic.Pointer[reporterHolder]

// SetErrorReporter installs reporter for the whole process. nil removes it.
func SetErrorReporter(reporter ErrorReporter) {
	if reporter == nil {
		currentReporter.Store(nil)
		return
	}

	currentReporter.Store(&reporterHolder{reporter: reporter})
}

// GetErrorReporter returns the installed reporter, if any.
func GetErrorReporter() ErrorReporter {
	if holder := currentReporter.Load(); holder != nil {
		return holder.reporter
	}

	return nil
}

// PanicError carries a recovered panic value that was not itself an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "panic: " + formatPanicValue(e.Value)
}

func reportPanic(ctx context.Context, value any, stack []byte, component, name string) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	err, isErr := value.(error)
	if !isErr {
		err = &PanicError{Value: value}
	}

	tags := map[string]string{"component": component, "goroutine_name": name}
	if len(stack) > 0 {
		tags["stack_trace"] = truncateStack(stack)
	}

	reporter.CaptureException(ctx, err, tags)
}
