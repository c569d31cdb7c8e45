// Package notify delivers failsafe notifications to Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/models"
)

const (
	DefaultUsername = "UPS failsafe"
	httpTimeout     = 10 * time.Second
)

// Embed colors per severity.
const (
	colorInfo    = 0x3498DB
	colorSuccess = 0x2ECC71
	colorWarning = 0xF1C40F
	colorError   = 0xE74C3C
)

var ErrBadWebhookURL = errors.New("invalid discord webhook url")

type webhookAPI interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordWebhook posts embeds through an incoming webhook and edits them in place.
type DiscordWebhook struct {
	api      webhookAPI
	id       string
	token    string
	username string
}

var _ failsafe.Sink = (*DiscordWebhook)(nil)

// NewDiscordWebhook parses rawURL (https://discord.com/api/webhooks/<id>/<token>).
func NewDiscordWebhook(rawURL, username string) (*DiscordWebhook, error) {
	id, token, err := parseWebhookURL(rawURL)
	if err != nil {
		return nil, err
	}
	dg, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	dg.Client = &http.Client{Timeout: httpTimeout}
	if username == "" {
		username = DefaultUsername
	}
	return &DiscordWebhook{api: dg, id: id, token: token, username: username}, nil
}

func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadWebhookURL, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", "", fmt.Errorf("%w: must be an https url", ErrBadWebhookURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("%w: expected /api/webhooks/<id>/<token>", ErrBadWebhookURL)
}

// Send posts a new message and returns its id. wait=true makes Discord return the message.
func (d *DiscordWebhook) Send(ctx context.Context, n models.Notification) (string, error) {
	msg, err := d.api.WebhookExecute(d.id, d.token, true, &discordgo.WebhookParams{
		Username: d.username,
		Embeds:   []*discordgo.MessageEmbed{toEmbed(n)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord webhook execute: %w: %v", failsafe.ErrTransport, err)
	}
	if msg == nil || msg.ID == "" {
		return "", fmt.Errorf("discord webhook execute: %w: empty message id", failsafe.ErrTransport)
	}
	return msg.ID, nil
}

// Edit replaces the embed of a previously sent message.
func (d *DiscordWebhook) Edit(ctx context.Context, messageID string, n models.Notification) error {
	embeds := []*discordgo.MessageEmbed{toEmbed(n)}
	_, err := d.api.WebhookMessageEdit(d.id, d.token, messageID, &discordgo.WebhookEdit{
		Embeds: &embeds,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook edit %s: %w: %v", messageID, failsafe.ErrTransport, err)
	}
	return nil
}

func toEmbed(n models.Notification) *discordgo.MessageEmbed {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	e := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Description,
		Color:       severityColor(n.Severity),
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: DefaultUsername},
	}
	for _, f := range n.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return e
}

func severityColor(s models.Severity) int {
	switch s {
	case models.SeveritySuccess:
		return colorSuccess
	case models.SeverityWarning:
		return colorWarning
	case models.SeverityError:
		return colorError
	default:
		return colorInfo
	}
}
