package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds_NameAndCode(t *testing.T) {
	tests := []struct {
		err  *Error
		name string
		code string
	}{
		{NewConfiguration("x"), "ConfigurationError", "CONFIGURATION_ERROR"},
		{NewDiscord("x"), "DiscordError", "DISCORD_ERROR"},
		{NewClaude("x"), "ClaudeError", "CLAUDE_ERROR"},
		{NewRateLimit("x", time.Time{}, 0), "RateLimitError", "RATE_LIMIT_ERROR"},
		{NewDatabase("x"), "DatabaseError", "DATABASE_ERROR"},
		{NewFileProcessing("x"), "FileProcessingError", "FILE_PROCESSING_ERROR"},
		{NewToken("x"), "TokenError", "TOKEN_ERROR"},
		{NewThread("x"), "ThreadError", "THREAD_ERROR"},
		{NewValidation("x", ""), "ValidationError", "VALIDATION_ERROR"},
		{NewExternalService("x", "svc", 0), "ExternalServiceError", "EXTERNAL_SERVICE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.err.Name())
			assert.Equal(t, tt.code, tt.err.Code())
			assert.Equal(t, tt.code, tt.err.Context()["type"])
			assert.Equal(t, tt.err.Kind() != KindConfiguration, tt.err.Operational())
			assert.NotEmpty(t, tt.err.Stack())
		})
	}
}

func TestError_ContextIsCopied(t *testing.T) {
	caller := map[string]any{"channel": "c1", "type": "spoofed"}
	err := NewDiscord("send failed", WithContext(caller))

	caller["channel"] = "changed"
	got := err.Context()
	assert.Equal(t, "c1", got["channel"])
	assert.Equal(t, "DISCORD_ERROR", got["type"])

	got["channel"] = "mutated"
	assert.Equal(t, "c1", err.Context()["channel"])
}

func TestError_CauseUnwraps(t *testing.T) {
	root := errors.New("socket closed")
	err := NewDatabase("query failed", WithCause(root), WithField("table", "threads"))

	assert.ErrorIs(t, err, root)
	assert.Equal(t, "query failed: socket closed", err.Error())
	assert.Equal(t, "query failed", err.Message())
	assert.Equal(t, "threads", err.Context()["table"])
}

func TestRateLimit_Fields(t *testing.T) {
	reset := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	err := NewRateLimit("limited", reset, 0)

	assert.Equal(t, reset, err.ResetTime())
	assert.Equal(t, 0, err.Remaining())
	assert.Equal(t, reset, err.Context()["resetTime"])
}

func TestValidation_Field(t *testing.T) {
	err := NewValidation("too long", "prompt")
	assert.Equal(t, "prompt", err.Field())
	assert.Equal(t, "prompt", err.Context()["field"])

	_, ok := NewValidation("bad", "").Context()["field"]
	assert.False(t, ok)
}

func TestExternalService_Fields(t *testing.T) {
	err := NewExternalService("upstream failed", "github", 503)
	assert.Equal(t, "github", err.Service())
	assert.Equal(t, 503, err.StatusCode())
	assert.Equal(t, 503, err.Context()["statusCode"])

	_, ok := NewExternalService("x", "svc", 0).Context()["statusCode"]
	assert.False(t, ok)
}

func TestAsAndKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewThread("archived"))

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindThread, e.Kind())
	assert.Equal(t, KindThread, KindOf(wrapped))

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestStack_StartsAtCaller(t *testing.T) {
	err := NewClaude("x")
	assert.Contains(t, err.Stack(), "TestStack_StartsAtCaller")
	assert.NotContains(t, err.Stack(), "captureStack")
}
