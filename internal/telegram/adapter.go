// Package telegram connects the conversation core to the Telegram Bot API
// via long polling. The bot only talks in private chats, so the chat id and
// the sender's Telegram id coincide.
package telegram

import (
	"context"
	"encoding/json"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/bot"
	"github.com/beercup/cup-bot/internal/obslog"
)

const pollTimeoutSeconds = 60

type Adapter struct {
	api *tgbotapi.BotAPI
}

func New(token string) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	obslog.L().Info("telegram_connected", zap.String("bot", api.Self.UserName))
	return &Adapter{api: api}, nil
}

func (a *Adapter) SendText(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	// Selecting from a one-time keyboard leaves it open until the next
	// plain message removes it.
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	_, err := a.api.Send(msg)
	return err
}

func (a *Adapter) SendTextWithChoices(_ context.Context, chatID int64, text string, choices []string, columns int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard(choices, columns)
	_, err := a.api.Send(msg)
	return err
}

// Run polls for updates until ctx is cancelled. Messages fan out through a
// per-chat queue so two rapid messages from the same user are handled in
// delivery order; different chats proceed in parallel.
func (a *Adapter) Run(ctx context.Context, b *bot.Bot) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	cfg.AllowedUpdates = []string{"message"}
	updates := a.api.GetUpdatesChan(cfg)

	d := newDispatcher(b.HandleMessage)
	defer d.close()

	for {
		select {
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			d.enqueue(ctx, bot.Inbound{
				TelegramID: msg.From.ID,
				Username:   msg.From.UserName,
				FirstName:  msg.From.FirstName,
				Text:       msg.Text,
				Raw:        rawPayload(msg),
			})
		}
	}
}

func keyboard(choices []string, columns int) tgbotapi.ReplyKeyboardMarkup {
	if columns < 1 {
		columns = 1
	}
	var rows [][]tgbotapi.KeyboardButton
	for i := 0; i < len(choices); i += columns {
		end := i + columns
		if end > len(choices) {
			end = len(choices)
		}
		row := make([]tgbotapi.KeyboardButton, 0, columns)
		for _, c := range choices[i:end] {
			row = append(row, tgbotapi.NewKeyboardButton(c))
		}
		rows = append(rows, row)
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.OneTimeKeyboard = true
	kb.ResizeKeyboard = true
	return kb
}

func rawPayload(msg *tgbotapi.Message) string {
	raw, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(raw)
}
