// builder.go turns raw errors into Reports.

package reporting

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
)

// Defaults fill report context fields the caller leaves empty.
type Defaults struct {
	Service     string
	Environment string
	Version     string
}

// DefaultService and DefaultEnvironment apply when Defaults leaves them empty.
const (
	DefaultService     = "discord-claude-relay"
	DefaultEnvironment = "development"
)

// ReportOption adjusts a single report.
type ReportOption func(*reportOptions)

type reportOptions struct {
	severity apperr.Severity
	stack    string
}

// WithSeverity overrides the classifier's severity.
func WithSeverity(sev apperr.Severity) ReportOption {
	return func(o *reportOptions) {
		o.severity = sev
	}
}

// WithStack supplies a stack trace, e.g. one captured at a panic site.
func WithStack(stack string) ReportOption {
	return func(o *reportOptions) {
		o.stack = stack
	}
}

// Builder builds reports the same way for every sink.
type Builder struct {
	defaults Defaults
	now      func() time.Time
	newID    func() string
}

// NewBuilder creates a Builder. Empty service and environment fall back to
// DefaultService and DefaultEnvironment.
func NewBuilder(d Defaults) *Builder {
	if d.Service == "" {
		d.Service = DefaultService
	}
	if d.Environment == "" {
		d.Environment = DefaultEnvironment
	}
	return &Builder{
		defaults: d,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Build classifies err and assembles a fingerprinted report. rc fields
// that are set win over the builder defaults; metadata is copied. The stack
// is the one captured where a relay error was constructed; other errors
// carry none unless WithStack supplies it.
func (b *Builder) Build(err error, rc ReportContext, metadata map[string]any, opts ...ReportOption) Report {
	var o reportOptions
	for _, opt := range opts {
		opt(&o)
	}

	info := ErrorInfo{
		Name:    apperr.ErrorName(err),
		Message: "<nil>",
		Stack:   o.stack,
	}
	if err != nil {
		info.Message = err.Error()
	}
	if e, ok := apperr.As(err); ok {
		info.Code = e.Code()
		if info.Stack == "" {
			info.Stack = e.Stack()
		}
	}

	severity := o.severity
	if severity == "" {
		severity = apperr.Classify(err).Severity
	}

	if rc.Service == "" {
		rc.Service = b.defaults.Service
	}
	if rc.Environment == "" {
		rc.Environment = b.defaults.Environment
	}
	if rc.Version == "" {
		rc.Version = b.defaults.Version
	}

	r := Report{
		ID:        b.newID(),
		Timestamp: b.now().UTC(),
		Severity:  severity,
		Error:     info,
		Context:   rc,
		Metadata:  maps.Clone(metadata),
	}
	r.Fingerprint = FingerprintReport(r)
	return r
}
