// Package reporting turns relay failures into structured error reports and
// hands them to pluggable sinks.
//
// # Core Components
//
//   - Report: the wire-level description of one failure (error, context, metadata, fingerprint)
//   - Builder: classifies an error and assembles a Report the same way for every sink
//   - Manager: enriches reports from the correlation context, scrubs and delivers them
//   - Sink: destination for reports (console, network, webhook, multi, async, cxdb, noop)
//   - Scrubber: redacts secrets and PII, failing closed on values it cannot inspect
//
// # Quick Start
//
//	reports := reporting.NewManager(
//	    reporting.WithDefaults(reporting.Defaults{Environment: "production"}),
//	    reporting.WithDefaultScrubbing(),
//	)
//	reports.Initialize(multi.NewMultiSink(console.NewConsoleSink(), network.NewNetworkSink(endpoint)))
//	defer reports.Close()
//
//	reports.ReportError(ctx, err, reporting.ReportContext{Operation: "send_message"}, nil)
//
// Reporting never fails the caller: sink errors are logged and contained.
package reporting
