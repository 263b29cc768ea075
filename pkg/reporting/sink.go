// sink.go defines the Sink interface for error report destinations.

package reporting

import "context"

// Sink is the destination for error reports.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Report delivers or enqueues a built report.
	Report(ctx context.Context, report Report) error

	// Flush delivers anything buffered.
	// For synchronous sinks, this may be a no-op.
	Flush(ctx context.Context) error

	// Close releases resources held by the sink after a final flush.
	Close() error
}
