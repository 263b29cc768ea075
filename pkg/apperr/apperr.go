// apperr.go defines the closed set of relay error kinds and the Error type.

package apperr

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"time"
)

// Kind identifies one variant of the relay error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindDiscord
	KindClaude
	KindRateLimit
	KindDatabase
	KindFileProcessing
	KindToken
	KindThread
	KindValidation
	KindExternalService
)

var kindInfo = map[Kind]struct{ name, code string }{
	KindConfiguration:   {"ConfigurationError", "CONFIGURATION_ERROR"},
	KindDiscord:         {"DiscordError", "DISCORD_ERROR"},
	KindClaude:          {"ClaudeError", "CLAUDE_ERROR"},
	KindRateLimit:       {"RateLimitError", "RATE_LIMIT_ERROR"},
	KindDatabase:        {"DatabaseError", "DATABASE_ERROR"},
	KindFileProcessing:  {"FileProcessingError", "FILE_PROCESSING_ERROR"},
	KindToken:           {"TokenError", "TOKEN_ERROR"},
	KindThread:          {"ThreadError", "THREAD_ERROR"},
	KindValidation:      {"ValidationError", "VALIDATION_ERROR"},
	KindExternalService: {"ExternalServiceError", "EXTERNAL_SERVICE_ERROR"},
}

// Name returns the variant name, e.g. "ClaudeError".
func (k Kind) Name() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return "Error"
}

// Code returns the type code stored under the "type" context key,
// e.g. "CLAUDE_ERROR".
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return "UNKNOWN"
}

func (k Kind) String() string { return k.Name() }

// ContextKeyType is the context key holding the kind's type code.
const ContextKeyType = "type"

const maxStackDepth = 32

// Error is a classified relay failure. Values are immutable once
// constructed; accessors return copies of mutable state.
type Error struct {
	kind        Kind
	message     string
	context     map[string]any
	operational bool
	cause       error
	stack       []runtime.Frame

	// RateLimit
	resetTime time.Time
	remaining int

	// Validation
	field string

	// ExternalService
	service    string
	statusCode int
}

// Option customizes an Error at construction time.
type Option func(*Error)

// WithCause records the underlying error. It is reachable via errors.Unwrap.
func WithCause(err error) Option {
	return func(e *Error) {
		e.cause = err
	}
}

// WithContext merges key-value pairs into the error's context. The map is
// copied; the "type" key is always overwritten with the kind's code.
func WithContext(kv map[string]any) Option {
	return func(e *Error) {
		maps.Copy(e.context, kv)
	}
}

// WithField adds a single context entry.
func WithField(key string, value any) Option {
	return func(e *Error) {
		e.context[key] = value
	}
}

func newError(kind Kind, message string, skip int, opts []Option) *Error {
	e := &Error{
		kind:        kind,
		message:     message,
		context:     make(map[string]any),
		operational: kind != KindConfiguration,
		stack:       captureStack(skip + 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.context[ContextKeyType] = kind.Code()
	return e
}

// NewConfiguration reports a misconfigured process. It is the only
// non-operational kind.
func NewConfiguration(message string, opts ...Option) *Error {
	return newError(KindConfiguration, message, 1, opts)
}

// NewDiscord reports a failure talking to the chat platform.
func NewDiscord(message string, opts ...Option) *Error {
	return newError(KindDiscord, message, 1, opts)
}

// NewClaude reports a failure from the AI service.
func NewClaude(message string, opts ...Option) *Error {
	return newError(KindClaude, message, 1, opts)
}

// NewRateLimit reports that an actor exceeded its admission budget.
func NewRateLimit(message string, resetTime time.Time, remaining int, opts ...Option) *Error {
	e := newError(KindRateLimit, message, 1, opts)
	e.resetTime = resetTime
	e.remaining = remaining
	e.context["resetTime"] = resetTime
	e.context["remaining"] = remaining
	return e
}

func NewDatabase(message string, opts ...Option) *Error {
	return newError(KindDatabase, message, 1, opts)
}

func NewFileProcessing(message string, opts ...Option) *Error {
	return newError(KindFileProcessing, message, 1, opts)
}

// NewToken reports that a conversation exceeded the model's token budget.
func NewToken(message string, opts ...Option) *Error {
	return newError(KindToken, message, 1, opts)
}

func NewThread(message string, opts ...Option) *Error {
	return newError(KindThread, message, 1, opts)
}

// NewValidation reports invalid input; field names the offending input
// and may be empty.
func NewValidation(message, field string, opts ...Option) *Error {
	e := newError(KindValidation, message, 1, opts)
	e.field = field
	if field != "" {
		e.context["field"] = field
	}
	return e
}

// NewExternalService reports a failure from a third-party dependency.
// statusCode is 0 when no HTTP status is available.
func NewExternalService(message, service string, statusCode int, opts ...Option) *Error {
	e := newError(KindExternalService, message, 1, opts)
	e.service = service
	e.statusCode = statusCode
	e.context["service"] = service
	if statusCode != 0 {
		e.context["statusCode"] = statusCode
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind        { return e.kind }
func (e *Error) Name() string      { return e.kind.Name() }
func (e *Error) Code() string      { return e.kind.Code() }
func (e *Error) Message() string   { return e.message }
func (e *Error) Operational() bool { return e.operational }

// Context returns a copy of the error's context map.
func (e *Error) Context() map[string]any {
	return maps.Clone(e.context)
}

// ResetTime is set on RateLimit errors.
func (e *Error) ResetTime() time.Time { return e.resetTime }

// Remaining is set on RateLimit errors.
func (e *Error) Remaining() int { return e.remaining }

// Field is set on Validation errors.
func (e *Error) Field() string { return e.field }

// Service is set on ExternalService errors.
func (e *Error) Service() string { return e.service }

// StatusCode is set on ExternalService errors; 0 means absent.
func (e *Error) StatusCode() int { return e.statusCode }

// Stack renders the construction-site stack trace, one frame per line.
func (e *Error) Stack() string {
	return formatStack(e.stack)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

func captureStack(skip int) []runtime.Frame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs) // +2 skips runtime.Callers and captureStack
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]runtime.Frame, 0, n)
	for {
		fr, more := frames.Next()
		out = append(out, fr)
		if !more {
			break
		}
	}
	return out
}

func formatStack(frames []runtime.Frame) string {
	if len(frames) == 0 {
		return ""
	}
	var b strings.Builder
	for _, fr := range frames {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
	}
	return strings.TrimRight(b.String(), "\n")
}
