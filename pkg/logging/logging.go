// Package logging configures log/slog for the relay. Records logged with a
// context carry the bound correlation fields and, when a span is active,
// its trace and span ids.
package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
)

// Attribute keys added by the correlation handler.
const (
	KeyCorrelationID = "correlation_id"
	KeyActorID       = "actor_id"
	KeyChannelID     = "channel_id"
	KeyGuildID       = "guild_id"
	KeyTraceID       = "trace_id"
	KeySpanID        = "span_id"
)

// Configure sets the global slog logger and returns it.
// format is "json" or "text"; level is debug, info, warn or error.
func Configure(output io.Writer, level, format string) *slog.Logger {
	logger := New(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger without touching the global default.
func New(output io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return slog.New(NewHandler(base))
}

// NewHandler wraps next so records gain correlation and trace attributes
// from the context they are logged with. The attributes are always written
// at the top level, outside any group opened with WithGroup.
func NewHandler(next slog.Handler) slog.Handler {
	return &correlationHandler{root: next, next: next}
}

type correlationHandler struct {
	// root has every attribute added before the first group.
	root slog.Handler
	// next is root with the grouped derivations below applied.
	next slog.Handler
	// grouped replays WithGroup and later WithAttrs calls, in order.
	grouped []func(slog.Handler) slog.Handler
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}

	var attrs []slog.Attr
	add := func(key, value string) {
		if value != "" && !recordHasAttr(record, key) {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	if c, ok := correlation.FromContext(ctx); ok {
		snap := c.Snapshot()
		add(KeyCorrelationID, snap.CorrelationID)
		add(KeyActorID, snap.ActorID)
		add(KeyChannelID, snap.ChannelID)
		add(KeyGuildID, snap.GuildID)
	}
	traceID, spanID := spanIDsFromContext(ctx)
	add(KeyTraceID, traceID)
	add(KeySpanID, spanID)

	if len(attrs) == 0 {
		return h.next.Handle(ctx, record)
	}
	if len(h.grouped) == 0 {
		record.AddAttrs(attrs...)
		return h.next.Handle(ctx, record)
	}

	handler := h.root.WithAttrs(attrs)
	for _, derive := range h.grouped {
		handler = derive(handler)
	}
	return handler.Handle(ctx, record)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	if len(h.grouped) == 0 {
		root := h.root.WithAttrs(attrs)
		return &correlationHandler{root: root, next: root}
	}
	return &correlationHandler{
		root:    h.root,
		next:    h.next.WithAttrs(attrs),
		grouped: appendDerive(h.grouped, func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) }),
	}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &correlationHandler{
		root:    h.root,
		next:    h.next.WithGroup(name),
		grouped: appendDerive(h.grouped, func(next slog.Handler) slog.Handler { return next.WithGroup(name) }),
	}
}

func appendDerive(list []func(slog.Handler) slog.Handler, fn func(slog.Handler) slog.Handler) []func(slog.Handler) slog.Handler {
	return append(slices.Clip(list), fn)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func spanIDsFromContext(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
