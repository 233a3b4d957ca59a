// Package discord implements output.Publisher on top of the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// restClient is the subset of *discordgo.Session the publisher needs
type restClient interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Publisher posts status boards as Discord embeds. Location references have
// the form "<channelID>/<messageID>".
type Publisher struct {
	client restClient
}

// NewSession builds a bot session that reports rate limits instead of
// sleeping through them, so the sync engine can apply its own backoff.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return s, nil
}

// New wraps a session (or any compatible client).
func New(client restClient) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) CreateMessage(ctx context.Context, anchor types.Anchor, page render.Page) (types.LocationRef, error) {
	msg, err := p.client.ChannelMessageSendEmbed(string(anchor), Embed(page), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError("create", err)
	}
	return Ref(msg.ChannelID, msg.ID), nil
}

func (p *Publisher) EditMessage(ctx context.Context, ref types.LocationRef, page render.Page) error {
	channelID, messageID, err := SplitRef(ref)
	if err != nil {
		return err
	}
	if _, err := p.client.ChannelMessageEditEmbed(channelID, messageID, Embed(page), discordgo.WithContext(ctx)); err != nil {
		return mapError("edit", err)
	}
	return nil
}

func (p *Publisher) ResolveChannel(ctx context.Context, id string) (types.Anchor, error) {
	ch, err := p.client.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError("resolve channel", err)
	}
	return types.Anchor(ch.ID), nil
}

// Ref joins a channel and message id.
func Ref(channelID, messageID string) types.LocationRef {
	return types.LocationRef(channelID + "/" + messageID)
}

// SplitRef is the inverse of Ref. A malformed reference reports ErrNotFound
// so the engine recreates the slot.
func SplitRef(ref types.LocationRef) (channelID, messageID string, err error) {
	channelID, messageID, ok := strings.Cut(string(ref), "/")
	if !ok || channelID == "" || messageID == "" {
		return "", "", fmt.Errorf("malformed location %q: %w", ref, output.ErrNotFound)
	}
	return channelID, messageID, nil
}

// Embed converts a rendered page.
func Embed(page render.Page) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       page.Title,
		Description: page.Description,
		Color:       page.Color,
	}
	if !page.Timestamp.IsZero() {
		e.Timestamp = page.Timestamp.UTC().Format(time.RFC3339)
	}
	if page.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: page.Footer}
	}
	for _, f := range page.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return e
}

// mapError translates discordgo errors into the output taxonomy.
func mapError(op string, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		var after time.Duration
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			after = rl.RetryAfter
		}
		return &output.RateLimitError{RetryAfter: after, Err: fmt.Errorf("%s: %w", op, err)}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		code := 0
		if rest.Message != nil {
			code = rest.Message.Code
		}
		status := 0
		if rest.Response != nil {
			status = rest.Response.StatusCode
		}
		switch {
		case code == discordgo.ErrCodeUnknownMessage, code == discordgo.ErrCodeUnknownChannel, status == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, output.ErrNotFound, err)
		case code == discordgo.ErrCodeMissingAccess, code == discordgo.ErrCodeMissingPermissions, status == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, output.ErrPermissionDenied, err)
		case status == http.StatusTooManyRequests:
			return &output.RateLimitError{Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
