package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"arb-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, alert events.Alert) error
}

// LogSink writes alerts to the process log at a level matching their severity.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, a events.Alert) error {
	logger := s.Logger
	if logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("topic", string(a.Topic)),
		zap.String("coin", a.Coin),
		zap.Time("at", a.At),
	}
	switch a.Severity {
	case events.SeverityCritical:
		logger.Error(a.Message, fields...)
	case events.SeverityWarning:
		logger.Warn(a.Message, fields...)
	default:
		logger.Info(a.Message, fields...)
	}
	return nil
}

type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink pushes alerts to a single chat.
type TelegramSink struct {
	bot    telegramSender
	chatID tele.ChatID
}

// NewTelegramSink builds an offline bot: it only sends, it never polls for updates.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: tele.ChatID(chatID)}, nil
}

func (s *TelegramSink) Send(_ context.Context, a events.Alert) error {
	_, err := s.bot.Send(s.chatID, formatAlert(a))
	return err
}

func formatAlert(a events.Alert) string {
	msg := fmt.Sprintf("[%s] %s %s", a.At.Format(time.RFC3339), severityTag(a.Severity), a.Message)
	if a.Coin != "" {
		msg += " (" + a.Coin + ")"
	}
	return msg
}

func severityTag(s events.Severity) string {
	switch s {
	case events.SeverityCritical:
		return "CRITICAL"
	case events.SeverityWarning:
		return "WARN"
	default:
		return "INFO"
	}
}
