package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Embed colours by outcome.
const (
	colorGain    = 0x2ecc71
	colorLoss    = 0xe74c3c
	colorNeutral = 0x3498db
)

// DiscordSender posts events to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts title and message as an embed coloured by outcome. Discord
// answers 204.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Username: "papertrader",
		Embeds:   []discordEmbed{{Title: title, Description: message, Color: embedColor(title)}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	return postJSON(ctx, d.client, d.webhookURL, body, "discord")
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func embedColor(title string) int {
	switch {
	case strings.HasPrefix(title, kindTitles[domain.EventTakeProfitHit]):
		return colorGain
	case strings.HasPrefix(title, kindTitles[domain.EventStopLossHit]), strings.HasPrefix(title, kindTitles[domain.EventLiquidation]):
		return colorLoss
	default:
		return colorNeutral
	}
}
