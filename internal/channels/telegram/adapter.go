// Package telegram connects to the Telegram Bot API using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Config holds the adapter's settings.
type Config struct {
	Token       string
	PollTimeout int // getUpdates long-poll timeout in seconds
}

// Adapter serves the telegram transport. Inbound messages arrive over long
// polling and are handed to the configured InboundHandler; there is no
// webhook surface.
type Adapter struct {
	bot     *telego.Bot
	config  Config
	handler channels.InboundHandler

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter from config.
func New(cfg Config, handler channels.InboundHandler) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, config: cfg, handler: handler}, nil
}

// Name returns the transport identifier.
func (a *Adapter) Name() protocol.Channel { return protocol.ChannelTelegram }

// Start begins long polling for updates. Stop cancels the polling context
// and waits for the goroutine to exit.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        a.config.PollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" || msg.From == nil {
		return
	}
	name := msg.From.FirstName
	if msg.From.LastName != "" {
		name += " " + msg.From.LastName
	}
	a.handler(ctx, bus.InboundEvent{
		Content:       msg.Text,
		ChannelUserID: strconv.FormatInt(msg.Chat.ID, 10),
		Channel:       protocol.ChannelTelegram,
		SenderName:    name,
		MessageID:     "tg:" + strconv.Itoa(msg.MessageID),
	})
}

// SendMessage delivers a text message to the chat.
func (a *Adapter) SendMessage(ctx context.Context, to, content string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	_, err = a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content))
	return err
}

// SendImage delivers a photo by URL with an optional caption.
func (a *Adapter) SendImage(ctx context.Context, to, url, caption string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	params := tu.Photo(tu.ID(chatID), tu.FileFromURL(url))
	if caption != "" {
		params = params.WithCaption(caption)
	}
	_, err = a.bot.SendPhoto(ctx, params)
	return err
}

// SendButtons delivers a message with an inline keyboard; button payloads
// become callback data.
func (a *Adapter) SendButtons(ctx context.Context, to, text string, buttons []channels.Button) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		payload := b.Payload
		if payload == "" {
			payload = b.Text
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(b.Text).WithCallbackData(payload),
		))
	}
	msg := tu.Message(tu.ID(chatID), text).
		WithReplyMarkup(tu.InlineKeyboard(rows...))
	_, err = a.bot.SendMessage(ctx, msg)
	return err
}

// SendTemplate renders the params inline. Telegram has no server-side
// template registry, so the template manager renders before dispatch and
// this path only handles pre-rendered content.
func (a *Adapter) SendTemplate(ctx context.Context, to, name string, params map[string]string) error {
	content := params["_rendered"]
	if content == "" {
		content = name
	}
	return a.SendMessage(ctx, to, content)
}

// VerifyWebhook always fails: this adapter has no webhook surface.
func (a *Adapter) VerifyWebhook(_ *http.Request, _ []byte) bool { return false }

// ParseIncoming is unused for a polling transport.
func (a *Adapter) ParseIncoming(_ []byte) ([]bus.InboundEvent, error) {
	return nil, errors.New("telegram: inbound arrives via long polling")
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", s)
	}
	return id, nil
}
