package apperr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
)

func newTestHandler(t *testing.T) (*Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewHandler(WithLogger(logger)), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestHandle_LogsStructuredError(t *testing.T) {
	h, buf := newTestHandler(t)
	m := correlation.NewManager()

	var result Result
	err := m.Run(context.Background(), correlation.Fields{CorrelationID: "req-7", ActorID: "u1", ChannelID: "c1"}, func(ctx context.Context) error {
		result = h.Handle(ctx, NewClaude("overloaded", WithField("model", "sonnet")), map[string]any{"attempt": 2})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, SeverityHigh, result.Severity)

	line := decodeLine(t, buf)
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "ClaudeError", line["error_name"])
	assert.Equal(t, "overloaded", line["error_message"])
	assert.Equal(t, "high", line["severity"])
	assert.Equal(t, true, line["operational"])
	assert.Equal(t, "req-7", line["correlation_id"])
	assert.InDelta(t, 10000, line["retry_after_ms"], 0)
	assert.NotEmpty(t, line["stack"])

	fields, ok := line["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CLAUDE_ERROR", fields["type"])
	assert.Equal(t, "sonnet", fields["model"])
	assert.InDelta(t, 2, fields["attempt"], 0)
	assert.Equal(t, "u1", fields["actorId"])
	assert.Equal(t, "c1", fields["channelId"])
}

func TestHandle_LevelBySeverity(t *testing.T) {
	tests := []struct {
		err   error
		level string
	}{
		{NewConfiguration("x"), "ERROR"},
		{NewDiscord("x"), "WARN"},
		{NewValidation("x", "f"), "INFO"},
		{errors.New("econnreset"), "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h, buf := newTestHandler(t)
			h.Handle(context.Background(), tt.err, nil)
			assert.Equal(t, tt.level, decodeLine(t, buf)["level"])
		})
	}
}

func TestHandle_Configuration_NotOperational(t *testing.T) {
	h, buf := newTestHandler(t)
	h.Handle(context.Background(), NewConfiguration("no token"), nil)

	assert.Equal(t, false, decodeLine(t, buf)["operational"])
}

func TestHandle_NilError(t *testing.T) {
	h, buf := newTestHandler(t)
	r := h.Handle(context.Background(), nil, nil)

	assert.Equal(t, SeverityLow, r.Severity)
	assert.Zero(t, buf.Len())
}

func TestHandler_Helpers(t *testing.T) {
	h := NewHandler()

	assert.True(t, h.ShouldRetry(NewDatabase("locked")))
	assert.Equal(t, 15*time.Second, h.RetryDelay(NewDatabase("locked")))
	assert.False(t, h.ShouldRetry(NewToken("too long")))
	assert.Zero(t, h.RetryDelay(NewToken("too long")))

	assert.Equal(t, UserMessageFor(KindRateLimit), h.UserMessage(NewRateLimit("x", time.Now(), 0)))
	assert.Equal(t, DefaultUserMessage, h.UserMessage(errors.New("weird")))
}

func TestHandle_ECONNRESET(t *testing.T) {
	h, _ := newTestHandler(t)

	r := h.Handle(context.Background(), errors.New("ECONNRESET"), nil)
	assert.Equal(t, SeverityMedium, r.Severity)
	assert.True(t, r.ShouldRetry)
	assert.Equal(t, 5000*time.Millisecond, r.RetryAfter)
}
