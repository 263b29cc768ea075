// manager.go creates, reads, mutates and derives correlation contexts.

package correlation

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service types bound by the convenience wrappers.
const (
	ServiceTypeAI              = "ai"
	ServiceTypeDatabase        = "database"
	ServiceTypePlatformMessage = "platform-message"
)

// Metadata keys written by the convenience wrappers.
const (
	MetadataServiceType = "serviceType"
	MetadataOperation   = "operation"
	MetadataModel       = "model"
	MetadataTable       = "table"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (used for start times and durations).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides how top-level correlation ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithLogger sets the logger used for scope tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager creates and manages correlation contexts. It holds no per-request
// state itself; the binding lives in the context.Context passed around.
type Manager struct {
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// New builds a fully-populated context from f without binding it.
func (m *Manager) New(f Fields) *Context {
	id := f.CorrelationID
	if id == "" {
		id = m.newID()
	}
	return newContext(id, f, m.now())
}

// Run executes fn with a new correlation context bound to the ctx it
// receives. A scope nested inside another starts from the outer scope's
// actor, channel, guild, message and metadata; the non-empty fields of f
// override them. The correlation id and start time are the scope's own. Goroutines started from that ctx observe the same context;
// the caller's ctx is never modified, so the previous binding is back in
// effect as soon as fn returns.
func (m *Manager) Run(ctx context.Context, f Fields, fn func(ctx context.Context) error) error {
	c := m.New(inherit(ctx, f))
	m.logger.DebugContext(ctx, "correlation scope start", "correlation_id", c.CorrelationID())
	err := fn(WithContext(ctx, c))
	m.logger.DebugContext(ctx, "correlation scope end", "correlation_id", c.CorrelationID())
	return err
}

// RunValue is Run for functions that produce a value.
func RunValue[T any](ctx context.Context, m *Manager, f Fields, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Run(ctx, f, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Get returns the context bound to ctx without side effects.
func (m *Manager) Get(ctx context.Context) (*Context, bool) {
	return FromContext(ctx)
}

// Update merges the non-empty fields of f into the bound context in place.
// Returns false if no context is bound.
func (m *Manager) Update(ctx context.Context, f Fields) bool {
	c, ok := FromContext(ctx)
	if !ok {
		m.logger.DebugContext(ctx, "correlation update without active context")
		return false
	}
	c.merge(f)
	return true
}

// AddMetadata appends key=value to the bound context's metadata.
// Returns false if no context is bound.
func (m *Manager) AddMetadata(ctx context.Context, key string, value any) bool {
	c, ok := FromContext(ctx)
	if !ok {
		return false
	}
	c.addMetadata(key, value)
	return true
}

// RequestDuration returns the time elapsed since the bound context started.
func (m *Manager) RequestDuration(ctx context.Context) (time.Duration, bool) {
	c, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return m.now().Sub(c.RequestStartTime()), true
}

// CreateChildContext derives an independent context for a sub-operation.
// Actor, channel and guild are inherited from the context bound to ctx.
// The new id is "{parentID}-{6 hex chars}", where parentID defaults to the
// bound context's id, or a fresh id when nothing is bound. Fields set in
// extra override the inherited ones.
func (m *Manager) CreateChildContext(ctx context.Context, parentID string, extra Fields) *Context {
	var inherited Fields
	if parent, ok := FromContext(ctx); ok {
		snap := parent.Snapshot()
		inherited = Fields{
			ActorID:   snap.ActorID,
			ChannelID: snap.ChannelID,
			GuildID:   snap.GuildID,
		}
		if parentID == "" {
			parentID = snap.CorrelationID
		}
	}
	if parentID == "" {
		parentID = m.newID()
	}

	child := newContext(parentID+"-"+randomSuffix(), inherited, m.now())
	extra.CorrelationID = ""
	child.merge(extra)
	return child
}

// RunChild runs fn with a child of the currently bound context.
func (m *Manager) RunChild(ctx context.Context, extra Fields, fn func(ctx context.Context) error) error {
	c := m.CreateChildContext(ctx, "", extra)
	return fn(WithContext(ctx, c))
}

// WithAIContext runs fn in a scope tagged as a call to the AI service.
func (m *Manager) WithAIContext(ctx context.Context, f Fields, operation, model string, fn func(ctx context.Context) error) error {
	f.Metadata = append(slices.Clone(f.Metadata),
		KV{Key: MetadataServiceType, Value: ServiceTypeAI},
		KV{Key: MetadataOperation, Value: operation},
	)
	if model != "" {
		f.Metadata = append(f.Metadata, KV{Key: MetadataModel, Value: model})
	}
	return m.Run(ctx, f, fn)
}

// WithDatabaseContext runs fn in a scope tagged as a storage operation.
func (m *Manager) WithDatabaseContext(ctx context.Context, f Fields, operation, table string, fn func(ctx context.Context) error) error {
	f.Metadata = append(slices.Clone(f.Metadata),
		KV{Key: MetadataServiceType, Value: ServiceTypeDatabase},
		KV{Key: MetadataOperation, Value: operation},
	)
	if table != "" {
		f.Metadata = append(f.Metadata, KV{Key: MetadataTable, Value: table})
	}
	return m.Run(ctx, f, fn)
}

// WithMessageContext runs fn in a scope for handling one chat message.
func (m *Manager) WithMessageContext(ctx context.Context, f Fields, fn func(ctx context.Context) error) error {
	f.Metadata = append(slices.Clone(f.Metadata), KV{Key: MetadataServiceType, Value: ServiceTypePlatformMessage})
	return m.Run(ctx, f, fn)
}

// inherit overlays f on the context bound to ctx, if any. The correlation
// id is never inherited.
func inherit(ctx context.Context, f Fields) Fields {
	parent, ok := FromContext(ctx)
	if !ok {
		return f
	}
	snap := parent.Snapshot()
	return Fields{
		CorrelationID: f.CorrelationID,
		ActorID:       cmp.Or(f.ActorID, snap.ActorID),
		ChannelID:     cmp.Or(f.ChannelID, snap.ChannelID),
		GuildID:       cmp.Or(f.GuildID, snap.GuildID),
		MessageID:     cmp.Or(f.MessageID, snap.MessageID),
		Metadata:      append(snap.Metadata, f.Metadata...),
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
