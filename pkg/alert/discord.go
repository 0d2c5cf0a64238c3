package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	discordGreen = 0x2ECC71
	discordRed   = 0xE74C3C
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	color := discordGreen
	if n.Outcome == OutcomeFailed {
		color = discordRed
	}

	embed := map[string]any{
		"title":       n.Title(),
		"description": n.Summary(),
		"color":       color,
		"timestamp":   n.FinishedAt.UTC().Format(time.RFC3339),
		"footer":      map[string]any{"text": "cycle " + n.CycleID},
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	if err := postJSON(ctx, d.client, d.webhookURL, payload, nil); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
