// classify.go maps errors to severity, retry policy and user-facing text.

package apperr

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"
)

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity accepts the lower-case severity names.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// Result is the classifier's decision for one error.
type Result struct {
	Severity    Severity
	ShouldRetry bool
	// RetryAfter is 0 when no retry delay applies.
	RetryAfter  time.Duration
	UserMessage string
}

// DefaultUserMessage is shown when nothing more specific applies.
const DefaultUserMessage = "Something went wrong. Please try again later."

var userMessages = map[Kind]string{
	KindConfiguration:   "The bot is not configured correctly. Please contact an administrator.",
	KindDiscord:         "I had trouble talking to Discord. Please try again in a moment.",
	KindClaude:          "The AI service is temporarily unavailable. Please try again shortly.",
	KindRateLimit:       "You're sending messages too quickly. Please wait a minute and try again.",
	KindDatabase:        "I couldn't access my storage right now. Please try again later.",
	KindFileProcessing:  "I couldn't process that file. Please check the format and try again.",
	KindToken:           "This conversation is too long for me to continue. Please start a new thread.",
	KindThread:          "I had trouble with this conversation thread. Please try again.",
	KindValidation:      "That request doesn't look quite right. Please check it and try again.",
	KindExternalService: "A service I depend on is having trouble right now. Please try again later.",
}

// Classify decides severity and retry policy for err. It is pure: the
// same error always yields the same Result.
func Classify(err error) Result {
	if err == nil {
		return Result{Severity: SeverityLow, UserMessage: DefaultUserMessage}
	}
	if e, ok := As(err); ok {
		return classifyKind(e.kind)
	}
	return classifyUnstructured(err)
}

func classifyKind(k Kind) Result {
	r := Result{UserMessage: UserMessageFor(k)}
	switch k {
	case KindConfiguration:
		r.Severity = SeverityCritical
	case KindDiscord:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityMedium, true, 5*time.Second
	case KindClaude:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityHigh, true, 10*time.Second
	case KindRateLimit:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityLow, true, 60*time.Second
	case KindDatabase:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityHigh, true, 15*time.Second
	case KindFileProcessing:
		r.Severity = SeverityMedium
	case KindToken:
		r.Severity = SeverityMedium
	case KindThread:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityMedium, true, 5*time.Second
	case KindValidation:
		r.Severity = SeverityLow
	case KindExternalService:
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityMedium, true, 10*time.Second
	default:
		r.Severity = SeverityMedium
	}
	return r
}

// classifyUnstructured applies ordered message heuristics to errors that
// are not part of the taxonomy.
func classifyUnstructured(err error) Result {
	r := Result{UserMessage: DefaultUserMessage}
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		containsAny(msg, "network", "timeout", "econnreset", "connection reset"):
		r.Severity, r.ShouldRetry, r.RetryAfter = SeverityMedium, true, 5*time.Second
	case containsAny(msg, "permission", "unauthorized", "forbidden"):
		r.Severity = SeverityHigh
	case containsAny(msg, "not found", "404"):
		r.Severity = SeverityLow
	default:
		r.Severity = SeverityHigh
	}
	return r
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// UserMessageFor returns the end-user text for a kind.
func UserMessageFor(k Kind) string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return DefaultUserMessage
}

// ErrorName returns the taxonomy name for relay errors and the dynamic
// type name for everything else ("Error" for plain errors.New/fmt.Errorf
// values).
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Name()
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	switch name {
	case "", "errorString", "wrapError", "wrapErrors", "joinError":
		return "Error"
	}
	return name
}
