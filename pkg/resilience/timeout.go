// Package resilience holds helpers for running work that must not take down
// or stall its caller: deadlines and panic recovery.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// PanicError is returned when a guarded function panics.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

// WithTimeout runs fn with a derived context that is cancelled after the
// given timeout. If the function does not complete in time,
// context.DeadlineExceeded is returned. A panic in fn is recovered and
// returned as a *PanicError.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return Recover(name, func() error { return fn(ctx) })
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Recover(name, func() error { return fn(timeoutCtx) })
	}()
	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}

// Recover calls fn and converts a panic into a *PanicError.
func Recover(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors
// are logged, never propagated.
func SafeGo(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) {
	go func() {
		if err := WithTimeout(ctx, timeout, name, fn); err != nil {
			attrs := []any{"task", name, "error", err}
			var pe *PanicError
			if errors.As(err, &pe) {
				attrs = append(attrs, "stack", string(pe.Stack))
			}
			slog.Default().With("component", "safego").Error("background task failed", attrs...)
		}
	}()
}
