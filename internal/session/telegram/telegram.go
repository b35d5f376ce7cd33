// Package telegram is the Bot API session driver.
//
// Each account is a bot token. Dial authenticates with getMe; Resolve and
// Send map telebot failures onto session error kinds.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignd/internal/session"
)

const defaultHTTPTimeout = 15 * time.Second

// Dialer opens telebot sessions. The zero value talks to the public Bot API.
type Dialer struct {
	// URL overrides the Bot API endpoint (local bot API servers, tests).
	URL     string
	Timeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, acc session.Account) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(acc.Credentials.Token)
	if token == "" {
		return nil, session.Fail(session.KindUnauthorized, errors.New("empty bot token"))
	}
	bot, err := newBot(token, d.URL, d.Timeout)
	if err != nil {
		return nil, mapError(err)
	}
	return &Handle{bot: bot}, nil
}

func newBot(token, url string, timeout time.Duration) (*tele.Bot, error) {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	// No poller: sessions only send. NewBot still calls getMe, which is the
	// authentication check.
	return tele.NewBot(tele.Settings{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	})
}

// Handle wraps one authenticated bot.
type Handle struct {
	bot    *tele.Bot
	closed atomic.Bool
}

func (h *Handle) Resolve(ctx context.Context, t session.Target) (session.Peer, error) {
	if err := ctx.Err(); err != nil {
		return session.Peer{}, err
	}
	chat, err := h.bot.ChatByID(t.PlatformID)
	if err != nil {
		return session.Peer{}, mapError(err)
	}
	title := chat.Title
	if title == "" {
		title = t.Title
	}
	return session.Peer{ID: chat.ID, Title: title, Ref: chat}, nil
}

func (h *Handle) Send(ctx context.Context, p session.Peer, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat, ok := p.Ref.(*tele.Chat)
	if !ok || chat == nil {
		chat = &tele.Chat{ID: p.ID}
	}
	_, err := h.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return mapError(err)
}

func (h *Handle) Healthy() bool { return !h.closed.Load() }

// Close forgets the bot. The Bot API has no persistent connection to drop.
func (h *Handle) Close() error {
	h.closed.Store(true)
	return nil
}

// mapError translates telebot errors into session kinds. Errors it does not
// recognise pass through unchanged for the classifier's message table.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return session.FloodWait(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return session.FloodWait(time.Duration(floodPtr.RetryAfter)*time.Second, err)
	}
	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return session.Fail(session.KindUnauthorized, err)
	case errors.Is(err, tele.ErrKickedFromGroup), errors.Is(err, tele.ErrKickedFromSuperGroup):
		return session.Fail(session.KindKicked, err)
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrNotStartedByUser):
		return session.Fail(session.KindBanned, err)
	case errors.Is(err, tele.ErrNoRightsToSend):
		return session.Fail(session.KindWriteForbidden, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return session.Fail(session.KindNotFound, err)
	}
	return err
}
