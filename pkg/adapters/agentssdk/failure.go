// failure.go turns runner errors into relay errors.

package agentssdk

import (
	"context"
	"errors"
	"strings"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
)

var guardrailPatterns = []string{
	"guardrail",
	"content policy",
	"safety filter",
	"blocked by policy",
}

// wrapFailure returns err as a ClaudeError. Relay errors pass through
// unchanged so a tool's own classification is kept.
func wrapFailure(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.NewClaude(err.Error(),
		apperr.WithCause(err),
		apperr.WithField(MetadataFailureType, failureType(err)),
	)
}

// failureType names the broad cause of a failed run: timeout, canceled,
// guardrail or error.
func failureType(err error) string {
	switch {
	case err == nil:
		return "error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	for _, p := range guardrailPatterns {
		if strings.Contains(msg, p) {
			return "guardrail"
		}
	}
	return "error"
}
