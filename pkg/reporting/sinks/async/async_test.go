package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// slowSink is a test sink that can be slow and tracks reports.
type slowSink struct {
	mu      sync.Mutex
	reports []reporting.Report
	ctxs    []context.Context
	delay   time.Duration
	closed  atomic.Bool
}

func (s *slowSink) Report(ctx context.Context, r reporting.Report) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	s.ctxs = append(s.ctxs, ctx)
	return nil
}

func (s *slowSink) Flush(ctx context.Context) error {
	return nil
}

func (s *slowSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *slowSink) getReports() []reporting.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]reporting.Report, len(s.reports))
	copy(result, s.reports)
	return result
}

func quiet() AsyncSinkOption {
	return WithLogger(slog.New(slog.DiscardHandler))
}

func TestAsyncSink_ImplementsSinkInterface(t *testing.T) {
	var _ reporting.Sink = NewAsyncSink(&slowSink{})
}

func TestAsyncSink_Report_ReturnsImmediately(t *testing.T) {
	inner := &slowSink{delay: 100 * time.Millisecond}
	sink := NewAsyncSink(inner, WithQueueSize(100))
	defer sink.Close()

	start := time.Now()
	err := sink.Report(context.Background(), reporting.Report{ID: "r-1"})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Report returned error: %v", err)
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("Report took %v, should return in <10ms", elapsed)
	}
}

func TestAsyncSink_DropsOldest_WhenQueueFull(t *testing.T) {
	inner := &slowSink{delay: 50 * time.Millisecond}
	var droppedCount atomic.Int32
	sink := NewAsyncSink(inner,
		quiet(),
		WithQueueSize(2),
		WithOnDropped(func(count int) {
			droppedCount.Add(int32(count))
		}),
	)

	for i := 0; i < 5; i++ {
		_ = sink.Report(context.Background(), reporting.Report{ID: fmt.Sprintf("r-%d", i)})
	}
	_ = sink.Close()

	dropped := int(droppedCount.Load())
	if dropped == 0 {
		t.Fatal("should have dropped reports when queue is full")
	}
	delivered := inner.getReports()
	if len(delivered)+dropped != 5 {
		t.Errorf("delivered %d + dropped %d should account for all 5 reports", len(delivered), dropped)
	}
	if last := delivered[len(delivered)-1].ID; last != "r-4" {
		t.Errorf("newest report should survive, last delivered was %s", last)
	}
}

func TestAsyncSink_Flush_DrainsQueue(t *testing.T) {
	inner := &slowSink{delay: time.Millisecond}
	sink := NewAsyncSink(inner, WithQueueSize(100), WithPollInterval(time.Millisecond))
	defer sink.Close()

	for i := 0; i < 10; i++ {
		_ = sink.Report(context.Background(), reporting.Report{ID: fmt.Sprintf("r-%d", i)})
	}

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	reports := inner.getReports()
	if len(reports) != 10 {
		t.Fatalf("expected 10 reports after flush, got %d", len(reports))
	}
	for i, r := range reports {
		if want := fmt.Sprintf("r-%d", i); r.ID != want {
			t.Errorf("report %d: got %s, want %s", i, r.ID, want)
		}
	}
}

func TestAsyncSink_Flush_RespectsContext(t *testing.T) {
	inner := &slowSink{delay: 200 * time.Millisecond}
	sink := NewAsyncSink(inner)
	defer sink.Close()

	_ = sink.Report(context.Background(), reporting.Report{ID: "r-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Flush(ctx); err == nil {
		t.Error("Flush should return the context error while the inner sink is busy")
	}
}

func TestAsyncSink_KeepsContextValuesNotCancellation(t *testing.T) {
	inner := &slowSink{}
	sink := NewAsyncSink(inner)

	mgr := correlation.NewManager()
	ctx, cancel := context.WithCancel(correlation.WithContext(context.Background(), mgr.New(correlation.Fields{CorrelationID: "req-9"})))
	_ = sink.Report(ctx, reporting.Report{ID: "r-1"})
	cancel()
	_ = sink.Close()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.ctxs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(inner.ctxs))
	}
	got := inner.ctxs[0]
	if got.Err() != nil {
		t.Error("delivery context should not be cancelled with the caller's")
	}
	c, ok := correlation.FromContext(got)
	if !ok || c.CorrelationID() != "req-9" {
		t.Error("delivery context should carry the caller's correlation")
	}
}

func TestAsyncSink_Close_DrainsAndClosesInner(t *testing.T) {
	inner := &slowSink{}
	sink := NewAsyncSink(inner, WithQueueSize(100))

	for i := 0; i < 5; i++ {
		_ = sink.Report(context.Background(), reporting.Report{ID: "r"})
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := len(inner.getReports()); got != 5 {
		t.Errorf("expected 5 reports after close, got %d", got)
	}
	if !inner.closed.Load() {
		t.Error("inner sink should be closed")
	}
}

func TestAsyncSink_ReportAfterClose_ReturnsError(t *testing.T) {
	sink := NewAsyncSink(&slowSink{})
	_ = sink.Close()

	if err := sink.Report(context.Background(), reporting.Report{}); err == nil {
		t.Error("Report after Close should return error")
	}
}

func TestAsyncSink_ConcurrentReportAndClose(t *testing.T) {
	sink := NewAsyncSink(&slowSink{}, WithQueueSize(4), quiet())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = sink.Report(context.Background(), reporting.Report{ID: "r"})
			}
		}()
	}
	_ = sink.Close()
	wg.Wait()
}
