// recover.go provides panic recovery and process-terminating fault handlers.

package reporting

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
)

// DefaultFlushDelay is how long fatal handlers wait for buffered reports
// and logs before exiting.
const DefaultFlushDelay = time.Second

// FatalOption configures RecoverAndExit and Fatal.
type FatalOption func(*fatalConfig)

type fatalConfig struct {
	flushDelay time.Duration
	exit       func(code int)
}

// WithFlushDelay overrides DefaultFlushDelay.
func WithFlushDelay(d time.Duration) FatalOption {
	return func(c *fatalConfig) {
		c.flushDelay = d
	}
}

// WithExitFunc replaces os.Exit, for tests.
func WithExitFunc(exit func(code int)) FatalOption {
	return func(c *fatalConfig) {
		if exit != nil {
			c.exit = exit
		}
	}
}

func newFatalConfig(opts []FatalOption) fatalConfig {
	cfg := fatalConfig{flushDelay: DefaultFlushDelay, exit: os.Exit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "panic: " + formatRecovered(e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Recover captures a panic, reports it as critical and returns the
// recovered value. It does not re-panic, so a faulting goroutine is logged
// without taking the process down.
//
// Use in defer:
//
//	go func() {
//	    defer reporting.Recover(ctx, reports)
//	    // code that might panic
//	}()
func Recover(ctx context.Context, m *Manager) any {
	r := recover()
	if r == nil {
		return nil
	}
	reportPanic(ctx, m, r, string(debug.Stack()))
	return r
}

// RecoverAndExit is the process-level fault handler for main: it reports a
// panic as critical, flushes, waits the flush delay and exits with status 1.
//
//	func main() {
//	    defer reporting.RecoverAndExit(ctx, reports)
//	    ...
//	}
func RecoverAndExit(ctx context.Context, m *Manager, opts ...FatalOption) {
	r := recover()
	if r == nil {
		return
	}
	reportPanic(ctx, m, r, string(debug.Stack()))
	terminate(ctx, m, newFatalConfig(opts))
}

// Fatal reports err as critical, flushes, waits the flush delay and exits
// with status 1.
func Fatal(ctx context.Context, m *Manager, err error, rc ReportContext, opts ...FatalOption) {
	if m != nil {
		m.ReportError(ctx, err, rc, nil, WithSeverity(apperr.SeverityCritical))
	}
	terminate(ctx, m, newFatalConfig(opts))
}

// HandleError reports err. Non-operational relay errors (a misconfigured
// process) are fatal and terminate through Fatal; everything else returns.
func HandleError(ctx context.Context, m *Manager, err error, rc ReportContext, opts ...FatalOption) {
	if err == nil {
		return
	}
	if e, ok := apperr.As(err); ok && !e.Operational() {
		Fatal(ctx, m, err, rc, opts...)
		return
	}
	if m != nil {
		m.ReportError(ctx, err, rc, nil)
	}
}

func reportPanic(ctx context.Context, m *Manager, r any, stack string) {
	if m == nil {
		return
	}
	m.ReportError(ctx, &PanicError{Value: r}, ReportContext{}, map[string]any{"panic": true},
		WithSeverity(apperr.SeverityCritical),
		WithStack(stack),
	)
}

func terminate(ctx context.Context, m *Manager, cfg fatalConfig) {
	if m != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.flushDelay+5*time.Second)
		if err := m.Flush(flushCtx); err != nil {
			m.logger.ErrorContext(ctx, "flush before exit failed", "error", err)
		}
		cancel()
	}
	if cfg.flushDelay > 0 {
		time.Sleep(cfg.flushDelay)
	}
	cfg.exit(1)
}

func formatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}
