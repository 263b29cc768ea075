// Package observe wires the relay's observability services together from
// configuration. Initialization order is fixed: logger, metrics,
// correlation manager, error handler, reporting manager and sinks, then
// the rate limiter. Shutdown runs in reverse.
package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/config"
	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/logging"
	"github.com/strongdm/ai-relay-observe/pkg/ratelimit"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/async"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/console"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/cxdb"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/multi"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/network"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/noop"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/webhook"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// CXDBDialer connects to cxdb. The returned func releases the connection.
type CXDBDialer func(addr, clientTag string) (cxdb.CXDBClient, func(), error)

// Option configures New.
type Option func(*options)

type options struct {
	logOutput     io.Writer
	setDefault    bool
	consoleOutput io.Writer
	httpClient    *http.Client
	dialCXDB      CXDBDialer
	meterProvider metric.MeterProvider
	skipTelemetry bool
	startTime     time.Time
	exit          func(int)
}

// WithLogOutput sets where logs are written (default: stderr).
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.logOutput = w
		}
	}
}

// WithDefaultLogger also installs the stack's logger as slog.Default.
func WithDefaultLogger() Option {
	return func(o *options) {
		o.setDefault = true
	}
}

// WithConsoleOutput sets where the console sink writes (default: stderr).
func WithConsoleOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.consoleOutput = w
		}
	}
}

// WithHTTPClient sets the client used by the network and webhook sinks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithCXDBDialer replaces the cxdb connection factory.
func WithCXDBDialer(d CXDBDialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialCXDB = d
		}
	}
}

// WithMeterProvider records metrics on mp and skips installing a global
// exporter from configuration.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
			o.skipTelemetry = true
		}
	}
}

// WithStartTime sets the process start used for uptime in system state.
func WithStartTime(t time.Time) Option {
	return func(o *options) {
		o.startTime = t
	}
}

// WithExitFunc replaces os.Exit for fatal paths, for tests.
func WithExitFunc(exit func(int)) Option {
	return func(o *options) {
		if exit != nil {
			o.exit = exit
		}
	}
}

// Stack holds the constructed services. Fields are safe to share; they
// are not reassigned after New returns.
type Stack struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	Correlation *correlation.Manager
	Errors      *apperr.Handler
	Reports     *reporting.Manager
	Limiter     *ratelimit.Limiter

	exit              func(int)
	flushDelay        time.Duration
	closers           []func()
	telemetryShutdown telemetry.ShutdownFunc
	shutdownOnce      sync.Once
	shutdownErr       error
}

// New validates cfg and builds the stack. On error nothing is left running.
func New(cfg *config.Config, opts ...Option) (*Stack, error) {
	if cfg == nil {
		return nil, apperr.NewConfiguration("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logOutput:     os.Stderr,
		consoleOutput: os.Stderr,
		httpClient:    http.DefaultClient,
		dialCXDB:      dialCXDB,
		startTime:     time.Now(),
		exit:          os.Exit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{
		Config:     cfg,
		exit:       o.exit,
		flushDelay: cfg.Reporting.FlushDelay,
	}

	// 1. Logger
	s.Logger = logging.New(o.logOutput, cfg.Log.Level, cfg.Log.Format)
	if o.setDefault {
		slog.SetDefault(s.Logger)
	}

	// 2. Metrics
	s.telemetryShutdown = func(context.Context) error { return nil }
	if !o.skipTelemetry {
		shutdown, err := telemetry.Init(cfg.Service.Name, cfg.Service.Version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			Interval:     cfg.Telemetry.Interval,
		})
		if err != nil {
			return nil, apperr.NewConfiguration("failed to initialize telemetry", apperr.WithCause(err))
		}
		s.telemetryShutdown = shutdown
	}
	metrics, err := telemetry.NewMetrics(o.meterProvider)
	if err != nil {
		_ = s.telemetryShutdown(context.Background())
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	s.Metrics = metrics

	// 3. Correlation
	s.Correlation = correlation.NewManager(correlation.WithLogger(s.Logger))

	// 4. Classification
	s.Errors = apperr.NewHandler(apperr.WithLogger(s.Logger), apperr.WithMetrics(s.Metrics))

	// 5. Reporting
	reportOpts := []reporting.ManagerOption{
		reporting.WithLogger(s.Logger),
		reporting.WithMetrics(s.Metrics),
		reporting.WithDefaults(reporting.Defaults{
			Service:     cfg.Service.Name,
			Environment: cfg.Service.Environment,
			Version:     cfg.Service.Version,
		}),
	}
	if cfg.Reporting.Scrub {
		reportOpts = append(reportOpts, reporting.WithDefaultScrubbing())
	}
	if cfg.Reporting.CaptureSystem {
		reportOpts = append(reportOpts, reporting.WithSystemState(o.startTime))
	}
	s.Reports = reporting.NewManager(reportOpts...)

	sink, err := s.buildSink(o)
	if err != nil {
		s.runClosers()
		_ = s.telemetryShutdown(context.Background())
		return nil, err
	}
	s.Reports.Initialize(sink)

	// 6. Rate limiting
	s.Limiter = ratelimit.New(
		ratelimit.WithPoints(cfg.RateLimit.Points),
		ratelimit.WithDuration(cfg.RateLimit.Duration),
		ratelimit.WithBlockDuration(cfg.RateLimit.BlockDuration),
		ratelimit.WithMaxActors(cfg.RateLimit.MaxActors),
		ratelimit.WithLogger(s.Logger),
		ratelimit.WithMetrics(s.Metrics),
	)

	return s, nil
}

// buildSink composes the configured sinks. A single sink is used as is;
// several are fanned out; none (or reporting disabled) discards.
func (s *Stack) buildSink(o options) (reporting.Sink, error) {
	rc := s.Config.Reporting
	if !rc.Enabled {
		return noop.NewNoopSink(), nil
	}

	var sinks []reporting.Sink

	if rc.Console.Enabled {
		consoleOpts := []console.ConsoleSinkOption{console.WithWriter(o.consoleOutput)}
		if rc.Console.Verbose {
			consoleOpts = append(consoleOpts, console.WithVerbose())
		}
		sinks = append(sinks, console.NewConsoleSink(consoleOpts...))
	}

	if rc.Network.Endpoint != "" {
		n := network.NewNetworkSink(rc.Network.Endpoint,
			network.WithAPIKey(rc.Network.APIKey),
			network.WithBatchSize(rc.Network.BatchSize),
			network.WithFlushInterval(rc.Network.FlushInterval),
			network.WithRetries(rc.Network.Retries),
			network.WithRetryBaseDelay(rc.Network.RetryBaseDelay),
			network.WithTimeout(rc.Network.Timeout),
			network.WithMaxQueueSize(rc.Network.MaxQueueSize),
			network.WithHTTPClient(o.httpClient),
			network.WithLogger(s.Logger),
			network.WithMetrics(s.Metrics),
		)
		sinks = append(sinks, n)
	}

	if rc.Webhook.URL != "" {
		minSev, _ := apperr.ParseSeverity(rc.Webhook.MinSeverity)
		hookOpts := []webhook.WebhookSinkOption{
			webhook.WithMinSeverity(minSev),
			webhook.WithMention(rc.Webhook.Mention),
			webhook.WithUsername(rc.Webhook.Username),
			webhook.WithTimeout(rc.Webhook.Timeout),
			webhook.WithHTTPClient(o.httpClient),
			webhook.WithLogger(s.Logger),
		}
		if rc.Webhook.IncludeStack {
			hookOpts = append(hookOpts, webhook.WithStackTrace())
		}
		sinks = append(sinks, webhook.NewWebhookSink(rc.Webhook.URL, hookOpts...))
	}

	if rc.CXDB.Addr != "" {
		client, closeFn, err := o.dialCXDB(rc.CXDB.Addr, rc.CXDB.ClientTag)
		if err != nil {
			for _, sink := range sinks {
				_ = sink.Close()
			}
			return nil, apperr.NewExternalService("failed to connect to cxdb", "cxdb", 0,
				apperr.WithCause(err),
				apperr.WithField("addr", rc.CXDB.Addr),
			)
		}
		if closeFn != nil {
			s.closers = append(s.closers, closeFn)
		}
		sinks = append(sinks, cxdb.NewCXDBSink(client,
			cxdb.WithClientTag(rc.CXDB.ClientTag),
			cxdb.WithOrphanLabels(rc.CXDB.Labels),
		))
	}

	var sink reporting.Sink
	switch len(sinks) {
	case 0:
		sink = noop.NewNoopSink()
	case 1:
		sink = sinks[0]
	default:
		sink = multi.NewMultiSink(sinks, multi.WithLogger(s.Logger))
	}

	if rc.Async.Enabled {
		sink = async.NewAsyncSink(sink,
			async.WithQueueSize(rc.Async.QueueSize),
			async.WithLogger(s.Logger),
			async.WithMetrics(s.Metrics),
		)
	}
	return sink, nil
}

func dialCXDB(addr, clientTag string) (cxdb.CXDBClient, func(), error) {
	client, err := cxdbclient.Dial(addr, cxdbclient.WithClientTag(clientTag))
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

// HandleError is the failure path of a request: err is classified and
// logged, reported with the bound correlation context, and the decision is
// returned for the caller to act on. Non-operational errors terminate the
// process after a flush.
func (s *Stack) HandleError(ctx context.Context, err error, rc reporting.ReportContext, metadata map[string]any) apperr.Result {
	result := s.Errors.Handle(ctx, err, metadata)
	if err == nil {
		return result
	}
	if e, ok := apperr.As(err); ok && !e.Operational() {
		reporting.Fatal(ctx, s.Reports, err, rc,
			reporting.WithFlushDelay(s.flushDelay),
			reporting.WithExitFunc(s.exit),
		)
		return result
	}
	s.Reports.ReportError(ctx, err, rc, metadata, reporting.WithSeverity(result.Severity))
	return result
}

// Recover is deferred at the top of goroutines: a panic is reported as
// critical and swallowed.
func (s *Stack) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		s.Reports.ReportError(ctx, &reporting.PanicError{Value: r}, reporting.ReportContext{},
			map[string]any{"panic": true},
			reporting.WithSeverity(apperr.SeverityCritical),
			reporting.WithStack(string(debug.Stack())),
		)
	}
}

// RecoverAndExit is deferred in main: a panic is reported, sinks are
// flushed and the process exits with status 1.
func (s *Stack) RecoverAndExit(ctx context.Context) {
	if r := recover(); r != nil {
		reporting.Fatal(ctx, s.Reports, &reporting.PanicError{Value: r}, reporting.ReportContext{},
			reporting.WithFlushDelay(s.flushDelay),
			reporting.WithExitFunc(s.exit),
		)
	}
}

// Shutdown flushes and closes sinks, releases connections and stops
// telemetry. It is safe to call more than once.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if err := s.Reports.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush reports: %w", err))
		}
		if err := s.Reports.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reports: %w", err))
		}
		s.runClosers()
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Stack) runClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// HandleSignals shuts the stack down on SIGINT or SIGTERM and then calls
// onShutdown, if set. It returns a stop func that unregisters the handler.
func (s *Stack) HandleSignals(ctx context.Context, timeout time.Duration, onShutdown func()) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case sig := <-sigCh:
			s.Logger.InfoContext(ctx, "shutdown signal received, draining error reports", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.Logger.ErrorContext(ctx, "shutdown incomplete", "error", err)
			}
			cancel()
			if onShutdown != nil {
				onShutdown()
			}
		case <-done:
		}
	}()

	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}
