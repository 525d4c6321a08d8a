package notify

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

const telegramTextLimit = 4096

// Telegram sends through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Offline skips the getMe call so a bad network does not block startup;
	// a wrong token surfaces on the first send instead.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: m.ThreadID}
	_, err := t.bot.Send(&tele.Chat{ID: m.ChatID}, truncate(m.Text, telegramTextLimit), opt)
	return err
}

// truncate cuts s to at most limit runes, marking the cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
