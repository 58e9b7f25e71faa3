package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// Telegram sends plain text to one chat (and optional forum thread).
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

// NewTelegram builds a send-only bot. No updates are polled and no request
// is made until the first Send.
func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: t.chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              t.threadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
