package instrumentation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StorageObserver wraps storage operations in spans and records their metrics.
// The zero value observes nothing.
type StorageObserver struct {
	inst    *Instrumentation
	tracer  trace.Tracer
	backend string
	// expected errors count as "miss" rather than "error"
	expected []error
}

// NewStorageObserver creates an observer for the named backend. Errors matching
// any of expected (via errors.Is) are recorded with result "miss".
func NewStorageObserver(inst *Instrumentation, backend string, expected ...error) StorageObserver {
	if inst == nil {
		return StorageObserver{}
	}
	return StorageObserver{
		inst:     inst,
		tracer:   inst.Tracer("storage"),
		backend:  backend,
		expected: expected,
	}
}

// Start opens a span named "storage.<operation>". The returned function must be
// deferred with a pointer to the operation's error result.
func (o StorageObserver) Start(ctx context.Context, operation string) (context.Context, func(*error)) {
	if o.inst == nil {
		return ctx, func(*error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageBackend, o.backend),
		))

	return ctx, func(errp *error) {
		defer span.End()

		result := "success"
		var err error
		if errp != nil {
			err = *errp
		}
		switch {
		case err == nil:
			SetSpanSuccess(span)
		case o.isExpected(err):
			result = "miss"
			SetSpanSuccess(span)
		default:
			result = "error"
			RecordError(span, err)
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		o.inst.Metrics().RecordStorageOperation(ctx, o.backend, operation, result, durationMs)
	}
}

func (o StorageObserver) isExpected(err error) bool {
	for _, e := range o.expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
