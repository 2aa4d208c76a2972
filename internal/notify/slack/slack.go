// Package slack posts digests of newly created insights to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rapport/internal/insight"
)

const (
	maxItems      = 10
	maxMessageLen = 500
	httpTimeout   = 10 * time.Second
)

// Notifier sends insight digests to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Notify posts one digest message listing created. Empty input and an
// unconfigured webhook are no-ops.
func (n *Notifier) Notify(ctx context.Context, created []insight.Insight) error {
	if n.webhookURL == "" || len(created) == 0 {
		return nil
	}

	body, err := json.Marshal(buildMessage(created, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack digest sent", "insights", len(created))
	return nil
}

func buildMessage(created []insight.Insight, at time.Time) map[string]any {
	blocks := []map[string]any{headerBlock(len(created)), {"type": "divider"}}

	shown := created
	if len(shown) > maxItems {
		shown = shown[:maxItems]
	}
	for i := range shown {
		blocks = append(blocks, insightBlock(&shown[i]))
	}
	if rest := len(created) - len(shown); rest > 0 {
		blocks = append(blocks, textContext(fmt.Sprintf("…and %d more", rest)))
	}

	blocks = append(blocks, textContext(fmt.Sprintf("rapport • %s", at.UTC().Format("2006-01-02 15:04 UTC"))))
	return map[string]any{
		"text":   summaryText(len(created)),
		"blocks": blocks,
	}
}

func summaryText(count int) string {
	if count == 1 {
		return "1 new insight"
	}
	return fmt.Sprintf("%d new insights", count)
}

func headerBlock(count int) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": "\U0001f4a1 " + summaryText(count),
		},
	}
}

func insightBlock(in *insight.Insight) map[string]any {
	text := fmt.Sprintf("%s *%s* (%.0f%%)\n%s",
		kindEmoji(in.Kind), in.Kind, in.Confidence*100, truncate(in.Message, maxMessageLen))
	if subject := subjectOf(in); subject != "" {
		text += "\n_" + subject + "_"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func subjectOf(in *insight.Insight) string {
	switch {
	case in.PersonRef != "" && in.ContextRef != "":
		return in.PersonRef + " / " + in.ContextRef
	case in.PersonRef != "":
		return in.PersonRef
	default:
		return in.ContextRef
	}
}

func textContext(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func kindEmoji(k insight.Kind) string {
	switch k {
	case insight.KindComplianceWarning:
		return "\U0001f534" // red circle
	case insight.KindRelationshipAtRisk:
		return "\U0001f7e0" // orange circle
	case insight.KindOpportunity:
		return "\U0001f7e2" // green circle
	default:
		return "\U0001f535" // blue circle
	}
}

// truncate shortens s to at most limit bytes, ending in "..." when cut.
// The cut never splits a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := limit - 3
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
