// Package correlation ties every log line, error report and rate-limit
// decision made while handling one chat message back to that message.
//
// A Context carries the correlation id plus the identifying fields of the
// triggering event (actor, channel, guild, message) and free-form ordered
// metadata. It is bound to a context.Context by the Manager and travels
// with it across goroutines:
//
//	m := correlation.NewManager()
//	err := m.WithMessageContext(ctx, correlation.Fields{
//	    ActorID:   msg.Author.ID,
//	    ChannelID: msg.ChannelID,
//	    GuildID:   msg.GuildID,
//	}, func(ctx context.Context) error {
//	    return handle(ctx, msg)
//	})
//
// Nested scopes shadow the outer one only for the ctx they derive; the
// outer ctx keeps its own binding. The bound *Context is shared by
// reference and safe for concurrent mutation through Update and
// AddMetadata.
package correlation
