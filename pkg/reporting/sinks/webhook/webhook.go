// Package webhook provides a sink that posts reports to a Discord channel
// webhook as rich embeds. Delivery is best effort: failures are logged,
// never retried and never returned.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// MaxStackLength is the number of stack trace characters kept in an embed.
const MaxStackLength = 1000

// Discord allows 30 webhook posts per minute per channel.
const (
	defaultRateInterval = 2 * time.Second
	defaultBurst        = 5
)

// Embed colors per severity.
const (
	ColorLow      = 0x3498DB
	ColorMedium   = 0xF1C40F
	ColorHigh     = 0xE67E22
	ColorCritical = 0xE74C3C
)

// WebhookSinkOption configures the webhook sink.
type WebhookSinkOption func(*webhookSinkConfig)

type webhookSinkConfig struct {
	minSeverity  apperr.Severity
	includeStack bool
	mention      string
	username     string
	limiter      *rate.Limiter
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// WithMinSeverity sets the lowest severity that is posted (default: high).
func WithMinSeverity(sev apperr.Severity) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		if sev.Rank() > 0 {
			c.minSeverity = sev
		}
	}
}

// WithAllSeverities disables severity filtering.
func WithAllSeverities() WebhookSinkOption {
	return WithMinSeverity(apperr.SeverityLow)
}

// WithStackTrace adds the stack trace, truncated to MaxStackLength, as an
// embed field.
func WithStackTrace() WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		c.includeStack = true
	}
}

// WithMention sets message content posted with every embed, e.g. "<@&role>".
func WithMention(mention string) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		c.mention = mention
	}
}

// WithUsername overrides the webhook's display name.
func WithUsername(name string) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		c.username = name
	}
}

// WithRateLimit paces deliveries (default: one every 2s, burst 5).
func WithRateLimit(every time.Duration, burst int) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		limit := rate.Inf
		if every > 0 {
			limit = rate.Every(every)
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithTimeout sets the request timeout (default: 10s).
func WithTimeout(d time.Duration) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) WebhookSinkOption {
	return func(c *webhookSinkConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Message is the Discord webhook request body.
type Message struct {
	Content  string  `json:"content,omitempty"`
	Username string  `json:"username,omitempty"`
	Embeds   []Embed `json:"embeds"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields"`
	Timestamp   string       `json:"timestamp"`
	Footer      EmbedFooter  `json:"footer"`
}

// EmbedField is one name/value row in an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter is the small text under an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

type webhookSink struct {
	url string
	cfg webhookSinkConfig
}

// NewWebhookSink creates a sink posting to a Discord webhook URL.
func NewWebhookSink(url string, opts ...WebhookSinkOption) reporting.Sink {
	cfg := webhookSinkConfig{
		minSeverity: apperr.SeverityHigh,
		limiter:     rate.NewLimiter(rate.Every(defaultRateInterval), defaultBurst),
		timeout:     10 * time.Second,
		client:      http.DefaultClient,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &webhookSink{url: url, cfg: cfg}
}

// Report posts reports at or above the minimum severity. It always
// returns nil.
func (s *webhookSink) Report(ctx context.Context, r reporting.Report) error {
	if !r.Severity.AtLeast(s.cfg.minSeverity) {
		return nil
	}

	if err := s.cfg.limiter.Wait(ctx); err != nil {
		s.cfg.logger.WarnContext(ctx, "webhook delivery skipped", "report_id", r.ID, "error", err)
		return nil
	}

	if err := s.post(ctx, BuildMessage(r, s.cfg.includeStack, s.cfg.mention, s.cfg.username)); err != nil {
		s.cfg.logger.ErrorContext(ctx, "failed to post error report to webhook",
			"report_id", r.ID,
			"error", err,
		)
	}
	return nil
}

func (s *webhookSink) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Flush is a no-op: delivery is synchronous.
func (s *webhookSink) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *webhookSink) Close() error {
	return nil
}

// BuildMessage renders a report as a webhook message.
func BuildMessage(r reporting.Report, includeStack bool, mention, username string) Message {
	embed := Embed{
		Title:       fmt.Sprintf("%s %s: %s", severityEmoji(r.Severity), strings.ToUpper(string(r.Severity)), r.Error.Name),
		Description: r.Error.Message,
		Color:       SeverityColor(r.Severity),
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339),
		Footer:      EmbedFooter{Text: fmt.Sprintf("Report %s", r.ID)},
	}

	add := func(name, value string, inline bool) {
		if value != "" {
			embed.Fields = append(embed.Fields, EmbedField{Name: name, Value: value, Inline: inline})
		}
	}
	add("Service", r.Context.Service, true)
	add("Environment", r.Context.Environment, true)
	add("Version", r.Context.Version, true)
	add("Operation", r.Context.Operation, true)
	add("Error Code", r.Error.Code, true)
	add("Correlation ID", r.Context.CorrelationID, false)
	add("User", mentionUser(r.Context.ActorID), true)
	add("Channel", mentionChannel(r.Context.ChannelID), true)
	add("Guild", r.Context.GuildID, true)
	add("Fingerprint", r.Fingerprint, false)

	if includeStack && r.Error.Stack != "" {
		add("Stack Trace", "```\n"+truncate(r.Error.Stack, MaxStackLength)+"\n```", false)
	}
	if embed.Fields == nil {
		embed.Fields = []EmbedField{}
	}

	return Message{
		Content:  mention,
		Username: username,
		Embeds:   []Embed{embed},
	}
}

// SeverityColor returns the embed color for a severity.
func SeverityColor(sev apperr.Severity) int {
	switch sev {
	case apperr.SeverityCritical:
		return ColorCritical
	case apperr.SeverityHigh:
		return ColorHigh
	case apperr.SeverityMedium:
		return ColorMedium
	default:
		return ColorLow
	}
}

func severityEmoji(sev apperr.Severity) string {
	switch sev {
	case apperr.SeverityCritical:
		return "🔴"
	case apperr.SeverityHigh:
		return "❌"
	case apperr.SeverityMedium:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func mentionUser(id string) string {
	if id == "" {
		return ""
	}
	return "<@" + id + ">"
}

func mentionChannel(id string) string {
	if id == "" {
		return ""
	}
	return "<#" + id + ">"
}

// truncate keeps at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
