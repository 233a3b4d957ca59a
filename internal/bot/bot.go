// Package bot answers the chat command that triggers a manual cycle.
//
// A message equal to prefix+command (default "!運行情報") starts a cycle
// anchored at the message's channel. The reply is sent after the cycle
// ends and always states its definitive outcome.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

// Triggerer runs a manual cycle
type Triggerer interface {
	TriggerCycle(ctx context.Context, anchor string) (types.CycleSummary, error)
}

type messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Handler reacts to MessageCreate events
type Handler struct {
	ctrl    Triggerer
	command string
	timeout time.Duration
}

// New returns a handler for cfg's prefix and command. timeout bounds one
// triggered cycle; zero means no bound.
func New(ctrl Triggerer, cfg config.DiscordConfig, timeout time.Duration) *Handler {
	return &Handler{ctrl: ctrl, command: cfg.Prefix + cfg.Command, timeout: timeout}
}

// Attach registers the handler on s and returns its removal func.
func (h *Handler) Attach(s *discordgo.Session) func() {
	return s.AddHandler(h.OnMessage)
}

// OnMessage is the discordgo event callback.
func (h *Handler) OnMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	h.handle(context.Background(), s, m.Message)
}

func (h *Handler) handle(ctx context.Context, out messenger, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot || !h.matches(m.Content) {
		return
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	log.Info("manual trigger from chat", "channel", m.ChannelID, "user", m.Author.ID)
	sum, err := h.ctrl.TriggerCycle(ctx, m.ChannelID)
	if err != nil {
		log.Warn("manual trigger failed", "channel", m.ChannelID, "error", err)
	}
	if _, serr := out.ChannelMessageSend(m.ChannelID, FormatOutcome(sum, err)); serr != nil {
		log.Warn("failed to send command reply", "channel", m.ChannelID, "error", serr)
	}
}

func (h *Handler) matches(content string) bool {
	fields := strings.Fields(content)
	return len(fields) > 0 && fields[0] == h.command
}

// FormatOutcome renders the reply for a finished (or failed) trigger.
func FormatOutcome(sum types.CycleSummary, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "⏱ 運行情報の更新がタイムアウトしました。"
		}
		return fmt.Sprintf("❌ 運行情報を更新できませんでした: %v", err)
	}

	switch sum.Outcome {
	case types.OutcomeAllSynced:
		return fmt.Sprintf("✅ %d地域の運行情報を更新しました。", len(sum.Regions))
	case types.OutcomePartial:
		var b strings.Builder
		b.WriteString("⚠️ 一部の更新に失敗しました。")
		for _, k := range sum.FailedRegions() {
			fmt.Fprintf(&b, "\n- %s", k)
			if e := sum.Regions[k].Error; e != "" {
				fmt.Fprintf(&b, ": %s", e)
			}
		}
		for _, e := range sum.Errors {
			fmt.Fprintf(&b, "\n- %s", e)
		}
		return b.String()
	case types.OutcomeTotalFailure:
		return "❌ すべての地域で更新に失敗しました。"
	case types.OutcomeAborted:
		return "⏹ 更新は中断されました。"
	default:
		return fmt.Sprintf("更新が終了しました (%s)。", sum.Outcome)
	}
}
