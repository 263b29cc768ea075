// scrubber.go redacts secrets and PII from reports before they leave the process.

package reporting

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ScrubberConfig controls scrubbing behavior.
type ScrubberConfig struct {
	// SensitiveKeys are extra case-insensitive substrings that mark a
	// metadata key as secret.
	SensitiveKeys []string

	// MaxMessageSize is the maximum length for error messages (default: 4096).
	MaxMessageSize int

	// MaxStackTraceSize is the maximum length for stack traces (default: 32768).
	MaxStackTraceSize int

	// MaxValueSize is the maximum length for a single metadata string (default: 1024).
	MaxValueSize int

	// MaxDepth bounds recursion into nested metadata (default: 8).
	MaxDepth int

	// ScrubMessages enables pattern scrubbing of free text (default: true).
	ScrubMessages bool

	// FailClosed replaces values that cannot be inspected with a
	// placeholder instead of passing them through (default: true).
	FailClosed bool
}

// DefaultScrubberConfig returns production-safe defaults.
func DefaultScrubberConfig() ScrubberConfig {
	return ScrubberConfig{
		MaxMessageSize:    4096,
		MaxStackTraceSize: 32768,
		MaxValueSize:      1024,
		MaxDepth:          8,
		ScrubMessages:     true,
		FailClosed:        true,
	}
}

const (
	redacted      = "[REDACTED]"
	redactedError = "[REDACTED:SCRUB_ERROR]"
	redactedDepth = "[REDACTED:DEPTH]"
)

var messageScrubPatterns = []*regexp.Regexp{
	// Discord
	regexp.MustCompile(`(?i)https://(?:canary\.|ptb\.)?discord(?:app)?\.com/api/webhooks/\d+/[\w-]+`),
	regexp.MustCompile(`[MNO][A-Za-z\d_-]{23,27}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,40}`), // bot token

	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token)[=:\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)(authorization|bearer)[=:\s]+['"]?[\w\-\.]+['"]?[\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)sk-ant-[a-zA-Z0-9_-]{20,}`), // Anthropic
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`(?i)gho_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`(?i)github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`(?i)xox[baprs]-[a-zA-Z0-9\-]{10,}`),
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), // JWT

	// Credentials
	regexp.MustCompile(`(?i)password[=:\s]+['"]?[^\s'"",]+['"]?`),
	regexp.MustCompile(`(?i)secret[=:\s]+['"]?[^\s'"",]+['"]?`),
	regexp.MustCompile(`(?i)passwd[=:\s]+['"]?[^\s'"",]+['"]?`),
	regexp.MustCompile(`(?i)credential[=:\s]+['"]?[^\s'"",]+['"]?`),

	// PII
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

// "auth" alone would catch Discord's "author" fields.
var sensitiveKeyPatterns = []string{
	"token",
	"apikey",
	"api_key",
	"api-key",
	"secret",
	"password",
	"passwd",
	"credential",
	"authorization",
	"webhook",
	"cookie",
}

var pathNormalizationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/home/[^/]+/`),
	regexp.MustCompile(`/Users/[^/]+/`),
	regexp.MustCompile(`C:\\Users\\[^\\]+\\`),
	regexp.MustCompile(`/tmp/[^/]+/`),
}

var memAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// Scrubber redacts sensitive data from reports. It is safe for
// concurrent use.
type Scrubber struct {
	cfg ScrubberConfig
}

// NewScrubber creates a scrubber. Zero limits fall back to the defaults.
func NewScrubber(cfg ScrubberConfig) *Scrubber {
	def := DefaultScrubberConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxStackTraceSize <= 0 {
		cfg.MaxStackTraceSize = def.MaxStackTraceSize
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	return &Scrubber{cfg: cfg}
}

// ScrubReport returns a copy of r with message, stack and metadata scrubbed.
func (s *Scrubber) ScrubReport(r Report) Report {
	r.Error.Message = s.ScrubMessage(r.Error.Message)
	r.Error.Stack = s.ScrubStackTrace(r.Error.Stack)
	r.Metadata = s.ScrubMetadata(r.Metadata)
	return r
}

// ScrubMessage removes secrets and PII from free text and bounds its size.
func (s *Scrubber) ScrubMessage(msg string) string {
	if len(msg) > s.cfg.MaxMessageSize {
		msg = truncateWithMarker(msg, s.cfg.MaxMessageSize)
	}
	return s.scrubText(msg)
}

func (s *Scrubber) scrubText(text string) string {
	if !s.cfg.ScrubMessages {
		return text
	}
	for _, pattern := range messageScrubPatterns {
		text = pattern.ReplaceAllString(text, redacted)
	}
	return text
}

// ScrubStackTrace normalizes user paths, hides addresses and bounds size.
func (s *Scrubber) ScrubStackTrace(trace string) string {
	if trace == "" {
		return trace
	}

	result := trace
	for _, pattern := range pathNormalizationPatterns {
		result = pattern.ReplaceAllString(result, "/[PATH]/")
	}
	result = memAddrPattern.ReplaceAllString(result, "0x...")

	if len(result) > s.cfg.MaxStackTraceSize {
		result = truncateWithMarker(result, s.cfg.MaxStackTraceSize)
	}
	return result
}

// ScrubMetadata returns a scrubbed deep copy of meta. Values under
// sensitive keys are replaced, strings are pattern-scrubbed and truncated,
// and anything that is not a JSON-like value is rendered through JSON
// first (or redacted when that fails and FailClosed is set).
func (s *Scrubber) ScrubMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	return s.scrubMap(meta, 0)
}

func (s *Scrubber) scrubMap(m map[string]any, depth int) map[string]any {
	result := make(map[string]any, len(m))
	for key, value := range m {
		if s.isSensitiveKey(key) {
			result[key] = redacted
			continue
		}
		result[key] = s.scrubValue(value, depth+1)
	}
	return result
}

func (s *Scrubber) scrubValue(val any, depth int) any {
	if depth > s.cfg.MaxDepth {
		return redactedDepth
	}

	switch v := val.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case string:
		if len(v) > s.cfg.MaxValueSize {
			v = truncateWithMarker(v, s.cfg.MaxValueSize)
		}
		return s.scrubText(v)
	case map[string]any:
		return s.scrubMap(v, depth)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = x
		}
		return s.scrubMap(m, depth)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = s.scrubValue(x, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = s.scrubValue(x, depth+1)
		}
		return out
	case error:
		return s.scrubValue(v.Error(), depth)
	case fmt.Stringer:
		return s.scrubValue(v.String(), depth)
	default:
		return s.scrubOpaque(v, depth)
	}
}

// scrubOpaque round-trips arbitrary values through JSON so structs are
// inspected field by field.
func (s *Scrubber) scrubOpaque(v any, depth int) any {
	data, err := json.Marshal(v)
	if err != nil {
		if s.cfg.FailClosed {
			return redactedError
		}
		return fmt.Sprintf("%v", v)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		if s.cfg.FailClosed {
			return redactedError
		}
		return string(data)
	}
	return s.scrubValue(generic, depth)
}

func (s *Scrubber) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	for _, pattern := range s.cfg.SensitiveKeys {
		if pattern != "" && strings.Contains(keyLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func truncateWithMarker(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	marker := "...[TRUNCATED]"
	if maxLen <= len(marker) {
		return marker[:maxLen]
	}
	return s[:maxLen-len(marker)] + marker
}
