package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramAlerterOptions struct {
	Token string
	// APIEndpoint defaults to tgbotapi.APIEndpoint.
	APIEndpoint string
	HTTPClient  *http.Client
}

type TelegramAlerter struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramAlerter verifies the bot token against the Bot API before returning.
func NewTelegramAlerter(options TelegramAlerterOptions) (*TelegramAlerter, error) {
	if options.Token == "" {
		return nil, fmt.Errorf("%w: telegram bot token is required", ErrAlerterNotConfigured)
	}
	if options.APIEndpoint == "" {
		options.APIEndpoint = tgbotapi.APIEndpoint
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(options.Token, options.APIEndpoint, options.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}
	return &TelegramAlerter{bot: bot}, nil
}

// chatMessage addresses numeric chat ids directly and "@name" recipients as channels.
func chatMessage(recipient string, text string) (tgbotapi.MessageConfig, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.HasPrefix(recipient, "@") {
		return tgbotapi.NewMessageToChannel(recipient, text), nil
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("%w: invalid telegram chat id %q", ErrAlerterDropped, recipient)
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

func (t *TelegramAlerter) Send(ctx context.Context, recipient string, message AlertMessage) error {
	config, err := chatMessage(recipient, message.Text())
	if err != nil {
		return err
	}
	config.DisableWebPagePreview = true

	// The Bot API client takes no context; its http client timeout bounds the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(config); err != nil {
		return fmt.Errorf("%w: %s", ErrAlerterDropped, err.Error())
	}
	return nil
}
