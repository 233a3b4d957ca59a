package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
)

type fakeClient struct {
	sendErr error
	editErr error
	sent    []*discordgo.MessageEmbed
	edited  map[string]*discordgo.MessageEmbed
}

func (f *fakeClient) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, embed)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func (f *fakeClient) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	if f.edited == nil {
		f.edited = map[string]*discordgo.MessageEmbed{}
	}
	f.edited[channelID+"/"+messageID] = embed
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeClient) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if channelID == "missing" {
		return nil, restErr(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code},
	}
}

func page() render.Page {
	return render.Page{
		Title:     "🚆 JR東日本（関東） 運休・遅延情報",
		Fields:    []render.Field{{Name: "[関東] 中央線：遅延", Value: "人身事故"}},
		Footer:    "ページ 1/1",
		Color:     0x2E8B57,
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndEdit(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc)

	ref, err := p.CreateMessage(context.Background(), "chan", page())
	require.NoError(t, err)
	assert.Equal(t, "chan/m1", string(ref))
	require.Len(t, fc.sent, 1)
	assert.Equal(t, "2024-05-01T00:00:00Z", fc.sent[0].Timestamp)
	assert.Equal(t, "ページ 1/1", fc.sent[0].Footer.Text)

	require.NoError(t, p.EditMessage(context.Background(), ref, page()))
	assert.Contains(t, fc.edited, "chan/m1")
}

func TestEditMalformedRefIsNotFound(t *testing.T) {
	p := New(&fakeClient{})
	err := p.EditMessage(context.Background(), "garbage", page())
	assert.ErrorIs(t, err, output.ErrNotFound)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unknown message", restErr(http.StatusNotFound, discordgo.ErrCodeUnknownMessage), output.ErrNotFound},
		{"plain 404", restErr(http.StatusNotFound, 0), output.ErrNotFound},
		{"missing access", restErr(http.StatusForbidden, discordgo.ErrCodeMissingAccess), output.ErrPermissionDenied},
		{"missing permissions", restErr(http.StatusForbidden, discordgo.ErrCodeMissingPermissions), output.ErrPermissionDenied},
		{"429 rest", restErr(http.StatusTooManyRequests, 0), output.ErrRateLimited},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := New(&fakeClient{editErr: c.err})
			err := p.EditMessage(context.Background(), "c/m", page())
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	rl := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 1500 * time.Millisecond},
		URL:             "https://discord.com/api/channels/c/messages",
	}}
	p := New(&fakeClient{sendErr: rl})

	_, err := p.CreateMessage(context.Background(), "c", page())
	require.ErrorIs(t, err, output.ErrRateLimited)
	assert.Equal(t, 1500*time.Millisecond, output.RetryAfter(err))
}

func TestUnknownErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	p := New(&fakeClient{sendErr: boom})
	_, err := p.CreateMessage(context.Background(), "c", page())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "other", output.Kind(err))
}

func TestResolveChannel(t *testing.T) {
	p := New(&fakeClient{})
	a, err := p.ResolveChannel(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "123", string(a))

	_, err = p.ResolveChannel(context.Background(), "missing")
	assert.ErrorIs(t, err, output.ErrNotFound)
}

func TestNewSession(t *testing.T) {
	_, err := NewSession("")
	assert.Error(t, err)

	s, err := NewSession("abc")
	require.NoError(t, err)
	assert.Equal(t, "Bot abc", s.Token)
	assert.False(t, s.ShouldRetryOnRateLimit)
}
