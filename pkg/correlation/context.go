// context.go defines the correlation context bound to one logical request.

package correlation

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Fields are the caller-supplied parts of a correlation context.
// Empty strings mean "not set".
type Fields struct {
	// CorrelationID identifies the request. Generated when empty.
	CorrelationID string

	// Identifying fields of the triggering chat event.
	ActorID   string
	ChannelID string
	GuildID   string
	MessageID string

	// Metadata is copied into the context in the order given.
	Metadata []KV
}

// KV is a single ordered metadata entry.
type KV struct {
	Key   string
	Value any
}

// Context identifies one logical request as it crosses goroutines and
// call boundaries. A *Context is shared by reference: every holder
// observes updates made through the Manager. It is safe for concurrent use.
type Context struct {
	mu sync.RWMutex

	correlationID string
	actorID       string
	channelID     string
	guildID       string
	messageID     string

	requestStartTime time.Time
	metadata         *orderedmap.OrderedMap[string, any]
}

func newContext(id string, f Fields, start time.Time) *Context {
	c := &Context{
		correlationID:    id,
		actorID:          f.ActorID,
		channelID:        f.ChannelID,
		guildID:          f.GuildID,
		messageID:        f.MessageID,
		requestStartTime: start,
		metadata:         orderedmap.New[string, any](),
	}
	for _, kv := range f.Metadata {
		c.metadata.Set(kv.Key, kv.Value)
	}
	return c
}

// CorrelationID returns the request identifier.
func (c *Context) CorrelationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correlationID
}

// ActorID returns the id of the user that triggered the request.
func (c *Context) ActorID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actorID
}

// ChannelID returns the chat channel id.
func (c *Context) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

// GuildID returns the chat guild (server) id.
func (c *Context) GuildID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guildID
}

// MessageID returns the triggering message id.
func (c *Context) MessageID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageID
}

// RequestStartTime returns when the context was created.
func (c *Context) RequestStartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestStartTime
}

// Metadata returns a single metadata value.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata.Get(key)
}

// merge applies the non-empty fields of f in place.
func (c *Context) merge(f Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.CorrelationID != "" {
		c.correlationID = f.CorrelationID
	}
	if f.ActorID != "" {
		c.actorID = f.ActorID
	}
	if f.ChannelID != "" {
		c.channelID = f.ChannelID
	}
	if f.GuildID != "" {
		c.guildID = f.GuildID
	}
	if f.MessageID != "" {
		c.messageID = f.MessageID
	}
	for _, kv := range f.Metadata {
		c.metadata.Set(kv.Key, kv.Value)
	}
}

func (c *Context) addMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.Set(key, value)
}

// Snapshot is an immutable copy of a Context taken at one instant.
type Snapshot struct {
	CorrelationID    string
	ActorID          string
	ChannelID        string
	GuildID          string
	MessageID        string
	RequestStartTime time.Time

	// Metadata preserves insertion order.
	Metadata []KV
}

// Snapshot copies the current state of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		CorrelationID:    c.correlationID,
		ActorID:          c.actorID,
		ChannelID:        c.channelID,
		GuildID:          c.guildID,
		MessageID:        c.messageID,
		RequestStartTime: c.requestStartTime,
	}
	if c.metadata.Len() > 0 {
		s.Metadata = make([]KV, 0, c.metadata.Len())
		for pair := c.metadata.Oldest(); pair != nil; pair = pair.Next() {
			s.Metadata = append(s.Metadata, KV{Key: pair.Key, Value: pair.Value})
		}
	}
	return s
}

// MetadataMap returns the snapshot metadata as a plain map.
func (s Snapshot) MetadataMap() map[string]any {
	if len(s.Metadata) == 0 {
		return nil
	}
	m := make(map[string]any, len(s.Metadata))
	for _, kv := range s.Metadata {
		m[kv.Key] = kv.Value
	}
	return m
}
