package services

import (
	"fmt"
	"strconv"

	"frogpump/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier surfaces user-facing notices (session takeover, device
// offline) outside the structured log stream.
type Notifier interface {
	Notify(message string)
}

// NopNotifier discards notices.
type NopNotifier struct{}

func (NopNotifier) Notify(string) {}

// LogNotifier writes notices to the log. Used when no Telegram chat is
// configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(message string) {
	n.Logger.Warn("Notice", zap.String("message", message))
}

// TelegramNotifier delivers notices to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(cfg *config.Config, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

func (n *TelegramNotifier) Notify(message string) {
	msg := tgbotapi.NewMessage(n.chatID, "🐸 Frog Pump\n"+message)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("Failed to send Telegram notice", zap.Error(err))
	}
}
