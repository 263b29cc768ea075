// Package cxdb provides a sink that persists reports to cxdb as
// SystemMessage turns, next to the conversation that produced them.
package cxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// MetadataContextID is the report metadata key naming the cxdb context a
// report belongs to. Reports without it go to a fresh orphan context.
const MetadataContextID = "cxdb.context_id"

// CXDBClient is the minimal interface for cxdb client operations.
// The real *cxdb.Client satisfies this interface.
type CXDBClient interface {
	CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error)
	AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error)
}

// CXDBSinkOption configures the CXDB sink.
type CXDBSinkOption func(*cxdbSinkConfig)

type cxdbSinkConfig struct {
	orphanLabels []string
	clientTag    string
}

// WithOrphanLabels sets labels for orphan error contexts.
func WithOrphanLabels(labels []string) CXDBSinkOption {
	return func(c *cxdbSinkConfig) {
		c.orphanLabels = labels
	}
}

// WithClientTag sets the client tag for orphan contexts.
func WithClientTag(tag string) CXDBSinkOption {
	return func(c *cxdbSinkConfig) {
		c.clientTag = tag
	}
}

type cxdbSink struct {
	client       CXDBClient
	orphanLabels []string
	clientTag    string
}

// NewCXDBSink creates a sink that writes to cxdb.
func NewCXDBSink(client CXDBClient, opts ...CXDBSinkOption) reporting.Sink {
	cfg := &cxdbSinkConfig{
		orphanLabels: []string{"error", "relay", "unlinked"},
		clientTag:    "discord-claude-relay",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &cxdbSink{
		client:       client,
		orphanLabels: cfg.orphanLabels,
		clientTag:    cfg.clientTag,
	}
}

// Report appends the report to its conversation context, or to a new
// labelled orphan context when the report names none.
func (s *cxdbSink) Report(ctx context.Context, r reporting.Report) error {
	contextID, ok := ContextIDFromMetadata(r.Metadata)
	isOrphan := false

	if !ok {
		head, err := s.client.CreateContext(ctx, 0)
		if err != nil {
			return fmt.Errorf("create orphan context: %w", err)
		}
		contextID = head.ContextID
		isOrphan = true
	}

	item := s.buildConversationItem(r, isOrphan)

	payload, err := cxdbclient.EncodeMsgpack(item)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req := &cxdbclient.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   0,
		TypeID:         cxdtypes.TypeIDConversationItem,
		TypeVersion:    cxdtypes.TypeVersionConversationItem,
		Payload:        payload,
		IdempotencyKey: r.ID,
	}

	if _, err := s.client.AppendTurn(ctx, req); err != nil {
		return fmt.Errorf("append turn to context %d: %w", contextID, err)
	}
	return nil
}

// ContextIDFromMetadata reads MetadataContextID. Integer, float and
// decimal string values are accepted since metadata may have passed
// through JSON.
func ContextIDFromMetadata(metadata map[string]any) (uint64, bool) {
	v, ok := metadata[MetadataContextID]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case uint64:
		return id, id != 0
	case int64:
		return uint64(id), id > 0
	case int:
		return uint64(id), id > 0
	case float64:
		return uint64(id), id >= 1
	case string:
		n, err := strconv.ParseUint(id, 10, 64)
		return n, err == nil && n != 0
	case json.Number:
		n, err := strconv.ParseUint(id.String(), 10, 64)
		return n, err == nil && n != 0
	}
	return 0, false
}

func (s *cxdbSink) buildConversationItem(r reporting.Report, isOrphan bool) *cxdtypes.ConversationItem {
	title := r.Error.Name
	if r.Error.Message != "" {
		const maxMsgLen = 80
		msg := r.Error.Message
		if len(msg) > maxMsgLen {
			msg = msg[:maxMsgLen] + "..."
		}
		title = r.Error.Name + ": " + msg
	}
	if len(title) > 100 {
		title = title[:97] + "..."
	}

	item := &cxdtypes.ConversationItem{
		ItemType:  cxdtypes.ItemTypeSystem,
		Status:    cxdtypes.ItemStatusComplete,
		Timestamp: r.Timestamp.UnixMilli(),
		ID:        r.ID,
		System: &cxdtypes.SystemMessage{
			Kind:    cxdtypes.SystemKindError,
			Title:   title,
			Content: buildDetails(r),
		},
	}

	// cxdb expects context metadata on the first turn.
	if isOrphan {
		item.ContextMetadata = &cxdtypes.ContextMetadata{
			Labels:    s.orphanLabels,
			ClientTag: s.clientTag,
		}
	}

	return item
}

// buildDetails encodes the full report as JSON for SystemMessage.Content.
func buildDetails(r reporting.Report) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to encode details: %s"}`, err)
	}
	return string(b)
}

// Flush is a no-op (writes are synchronous).
func (s *cxdbSink) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *cxdbSink) Close() error {
	return nil
}
