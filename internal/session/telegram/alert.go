package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// AlertSender posts log alerts to an operator chat. It satisfies logx.Sender.
type AlertSender struct {
	bot *tele.Bot
}

func NewAlertSender(token, url string, timeout time.Duration) (*AlertSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("alert bot token is empty")
	}
	bot, err := newBot(token, url, timeout)
	if err != nil {
		return nil, mapError(err)
	}
	return &AlertSender{bot: bot}, nil
}

func (a *AlertSender) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	})
	return mapError(err)
}
