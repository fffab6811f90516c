package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/mymmrac/telego"
	telegoapi "github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog/log"

	"agrisync/internal/domain"
)

// BotAPI is the part of telego.Bot the native strategy uses.
type BotAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram pushes notifications to one chat through a bot. Delivery is
// fire-and-forget: a successful call means Telegram accepted the message.
type Telegram struct {
	bot    BotAPI
	chatID int64
}

// DetectTelegram checks that the bot is usable before it is selected.
func DetectTelegram(ctx context.Context, bot BotAPI, chatID int64) (*Telegram, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("%w: no chat id", ErrNativeUnavailable)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		if isForbidden(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
	}
	log.Info().Str("bot", me.Username).Int64("chat_id", chatID).Msg("telegram notifications enabled")
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// TelegramDetector builds a detector for NewManager from a bot token.
func TelegramDetector(token string, chatID int64) Detector {
	return func(ctx context.Context) (Dispatcher, error) {
		if token == "" {
			return nil, fmt.Errorf("%w: no bot token", ErrNativeUnavailable)
		}
		bot, err := telego.NewBot(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
		}
		return DetectTelegram(ctx, bot, chatID)
	}
}

func (t *Telegram) Strategy() string { return "native" }

func (t *Telegram) Send(ctx context.Context, req domain.NotificationRequest) error {
	ch, err := LookupChannel(req.Category)
	if err != nil {
		return err
	}

	params := &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: t.chatID},
		Text:      formatHTML(req),
		ParseMode: telego.ModeHTML,
		// Only the highest priority channel makes a sound.
		DisableNotification: ch.Priority < PriorityHighest,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		if isForbidden(err) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatHTML(req domain.NotificationRequest) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(req.Title))
	b.WriteString("</b>")
	if req.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(req.Body))
	}
	return b.String()
}

// isForbidden matches Telegram's 403 replies (bot blocked, kicked from chat).
func isForbidden(err error) bool {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode == http.StatusForbidden || strings.HasPrefix(apiErr.Description, "Forbidden:")
}
