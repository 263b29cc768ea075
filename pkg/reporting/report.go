// report.go defines the error report handed to sinks.

package reporting

import (
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
)

// Report is one failure, fully built, scrubbed and fingerprinted.
// JSON field names are part of the network and webhook wire formats.
type Report struct {
	// ID is a per-process unique identifier (UUID).
	ID string `json:"id"`

	Timestamp time.Time       `json:"timestamp"`
	Severity  apperr.Severity `json:"severity"`

	Error   ErrorInfo     `json:"error"`
	Context ReportContext `json:"context"`

	// Metadata holds caller and correlation metadata, scrubbed.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Fingerprint groups reports by error name, service and operation.
	Fingerprint string `json:"fingerprint"`

	// System is populated when the manager captures system state.
	System *SystemState `json:"system,omitempty"`
}

// ErrorInfo describes the failure itself.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ReportContext identifies where the failure happened. Empty fields are
// omitted from the wire format, except Service and Environment which the
// manager always fills.
type ReportContext struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	GuildID       string `json:"guildId,omitempty"`
	Service       string `json:"service"`
	Operation     string `json:"operation,omitempty"`
	Environment   string `json:"environment"`
	Version       string `json:"version,omitempty"`
}

// SystemState captures process metrics at the time of an error.
type SystemState struct {
	MemoryBytes    int64  `json:"memoryBytes"`
	GoroutineCount int    `json:"goroutineCount"`
	UptimeMs       int64  `json:"uptimeMs"`
	HostName       string `json:"hostName,omitempty"`
}
