package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escalator/internal/escalation"

	tele "gopkg.in/telebot.v4"
)

// ReminderSender posts a reminder with an acknowledge button whose callback
// carries dispatchID. The Telegram adapter implements it.
type ReminderSender interface {
	SendReminder(ctx context.Context, chatID int64, text, dispatchID string) (ref string, err error)
}

// Push is the push channel: a Telegram message with a "Got it" button.
type Push struct {
	bot ReminderSender
}

func NewPush(bot ReminderSender) *Push { return &Push{bot: bot} }

func (p *Push) Send(ctx context.Context, req Request) Outcome {
	if req.Recipient.ChatID == 0 {
		return failed(ErrMissingRecipient)
	}
	ref, err := p.bot.SendReminder(ctx, req.Recipient.ChatID, ReminderText(req), req.DispatchID)
	if err != nil {
		return failed(err)
	}
	return accepted(ref)
}

// ReminderText renders the plain reminder body shared by all channels.
func ReminderText(req Request) string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = req.TaskID
	}
	var b strings.Builder
	if req.Level == escalation.Levels.MustNotMiss {
		b.WriteString("Important: ")
	}
	b.WriteString("Reminder: ")
	b.WriteString(title)
	if !req.DueAt.IsZero() {
		b.WriteString(" (due ")
		b.WriteString(req.DueAt.UTC().Format(time.RFC3339))
		b.WriteString(")")
	}
	return b.String()
}

// classifyTelegram maps telebot errors.
func classifyTelegram(err error) (ErrorKind, time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return KindRateLimited, time.Duration(fe.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return KindRateLimited, time.Duration(fp.RetryAfter) * time.Second, true
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrBlockedByUser) {
		return KindInvalidRecipient, 0, true
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 400, 403:
			return KindInvalidRecipient, 0, true
		case 429:
			return KindRateLimited, 0, true
		}
		return KindProviderUnavailable, 0, true
	}
	return "", 0, false
}

// TelegramRef formats the provider ref for a sent Telegram message.
func TelegramRef(chatID int64, messageID int) string {
	return fmt.Sprintf("tg:%d:%d", chatID, messageID)
}
