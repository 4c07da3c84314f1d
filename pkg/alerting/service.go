// Package alerting delivers operator alerts to Slack.
//
// Delivery is fire-and-forget: the service is nil-safe, never returns an
// error to the caller, and tolerates Slack being unreachable.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/quorumnet/steward/pkg/masking"
)

// Severity orders alerts for the operator.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// slackAPI is the slice of the Slack client the service uses. Narrowed for
// tests.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Service posts alerts to a Slack channel.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	api     slackAPI
	channel string
	masker  *masking.Masker
	logger  *slog.Logger
}

// NewService creates the alerting service. Returns nil when token or channel
// is empty, which disables alerting without nil checks at call sites.
func NewService(token, channel string) *Service {
	if token == "" || channel == "" {
		return nil
	}
	return &Service{
		api:     slack.New(token),
		channel: channel,
		masker:  masking.NewMasker(),
		logger:  slog.Default().With("component", "alerting"),
	}
}

// NewServiceWithClient creates a Service over a pre-built client, for tests.
func NewServiceWithClient(api slackAPI, channel string) *Service {
	return &Service{
		api:     api,
		channel: channel,
		masker:  masking.NewMasker(),
		logger:  slog.Default().With("component", "alerting"),
	}
}

// Alert posts one alert. Errors are logged, never returned.
func (s *Service) Alert(ctx context.Context, severity Severity, summary string, payload any) {
	if s == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	summary = s.masker.Mask(summary)
	if m, ok := payload.(map[string]any); ok {
		payload = s.masker.MaskMap(m)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("%s *%s*", severityEmoji(severity), summary), false, false),
			nil, nil),
	}
	if payload != nil {
		if data, err := json.MarshalIndent(payload, "", "  "); err == nil {
			blocks = append(blocks, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType,
					fmt.Sprintf("```%s```", truncate(s.masker.Mask(string(data)), 2800)), false, false),
				nil, nil))
		}
	}

	if _, _, err := s.api.PostMessageContext(sendCtx, s.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(summary, false),
	); err != nil {
		s.logger.Warn("Alert delivery failed", "severity", severity, "summary", summary, "error", err)
	}
}

func severityEmoji(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
