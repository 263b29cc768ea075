// handler.go logs classified errors and exposes retry helpers.

package apperr

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records a counter per classification.
func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// Handler classifies errors and logs them with request correlation.
// It holds no mutable state and is safe for concurrent use.
type Handler struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewHandler creates a Handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle classifies err and logs it at a level matching its severity.
// extra is merged over the error's own context for logging only.
func (h *Handler) Handle(ctx context.Context, err error, extra map[string]any) Result {
	result := Classify(err)
	if err == nil {
		return result
	}

	fields := make(map[string]any)
	operational := true
	stack := ""
	code := "UNKNOWN"
	if e, ok := As(err); ok {
		maps.Copy(fields, e.context)
		operational = e.operational
		stack = e.Stack()
		code = e.Code()
	}
	maps.Copy(fields, extra)

	attrs := []any{
		slog.String("error_name", ErrorName(err)),
		slog.String("error_message", err.Error()),
		slog.String("severity", string(result.Severity)),
		slog.Bool("operational", operational),
		slog.Bool("should_retry", result.ShouldRetry),
	}
	if result.RetryAfter > 0 {
		attrs = append(attrs, slog.Int64("retry_after_ms", result.RetryAfter.Milliseconds()))
	}
	if c, ok := correlation.FromContext(ctx); ok {
		snap := c.Snapshot()
		attrs = append(attrs, slog.String("correlation_id", snap.CorrelationID))
		if snap.ActorID != "" {
			fields["actorId"] = snap.ActorID
		}
		if snap.ChannelID != "" {
			fields["channelId"] = snap.ChannelID
		}
		if snap.GuildID != "" {
			fields["guildId"] = snap.GuildID
		}
	}
	if len(fields) > 0 {
		attrs = append(attrs, slog.Any("context", fields))
	}
	if stack != "" {
		attrs = append(attrs, slog.String("stack", stack))
	}

	h.logger.Log(ctx, levelFor(result.Severity), "error handled", attrs...)
	h.metrics.RecordClassification(ctx, code, string(result.Severity), result.ShouldRetry)

	return result
}

// ShouldRetry reports whether err is worth retrying.
func (h *Handler) ShouldRetry(err error) bool {
	return Classify(err).ShouldRetry
}

// RetryDelay returns how long to wait before retrying err, or 0.
func (h *Handler) RetryDelay(err error) time.Duration {
	return Classify(err).RetryAfter
}

// UserMessage returns text suitable for showing to the end user.
func (h *Handler) UserMessage(err error) string {
	msg := Classify(err).UserMessage
	if msg == "" {
		return DefaultUserMessage
	}
	return msg
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
