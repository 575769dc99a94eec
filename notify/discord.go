package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	colorWarn  = 0xE67E22
	colorFatal = 0xE74C3C
)

// Discord posts alerts to a webhook as embeds.
type Discord struct {
	session   *discordgo.Session
	webhookID string
	token     string
	Username  string
}

// ParseWebhookURL splits https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url: expected /api/webhooks/{id}/{token}")
}

// NewDiscord returns nil, nil for an empty url. client may be nil.
func NewDiscord(webhookURL string, client *http.Client) (*Discord, error) {
	if webhookURL == "" {
		return nil, nil
	}
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if client != nil {
		s.Client = client
	} else {
		s.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{session: s, webhookID: id, token: token, Username: "chzzk-bot"}, nil
}

// Notify executes the webhook with one embed.
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	if d == nil {
		return nil
	}
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	color := colorWarn
	if a.Fatal {
		color = colorFatal
	}
	detail := a.Detail
	if r := []rune(detail); len(r) > 4000 {
		detail = string(r[:4000]) + "…"
	}
	params := &discordgo.WebhookParams{
		Username: d.Username,
		Embeds: []*discordgo.MessageEmbed{{
			Title:       SubjectPrefix + a.Subject,
			Description: detail,
			Color:       color,
			Timestamp:   a.Time.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: "콘솔에 'restart'를 입력하여 재개하십시오."},
		}},
	}
	if _, err := d.session.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
