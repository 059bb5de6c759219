// Package notify pushes operator alerts. Stuck or escalated work must be
// visible to a human, so escalations and exhausted deliveries go out through
// a Telegram channel when one is configured.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
)

type Notifier interface {
	EscalationCreated(esc *models.Escalation)
	DeliveryFailed(event *models.Event, reason string)
	StepDeliveryFailed(session *models.Session, reason string)
}

type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier bot: %w", err)
	}

	return &TelegramNotifier{
		api:    api,
		chatID: chatID,
		logger: logger,
	}, nil
}

func (n *TelegramNotifier) EscalationCreated(esc *models.Escalation) {
	text := fmt.Sprintf("🚨 Escalation from @%s\nReason: %s\nQueue id: %s",
		esc.Username, esc.Reason, esc.ID)
	n.send(text)
}

func (n *TelegramNotifier) DeliveryFailed(event *models.Event, reason string) {
	text := fmt.Sprintf("⚠️ Reply to @%s could not be delivered\nEvent: %s\nReason: %s",
		event.Username, event.ID, reason)
	n.send(text)
}

func (n *TelegramNotifier) StepDeliveryFailed(session *models.Session, reason string) {
	text := fmt.Sprintf("⚠️ Flow message to @%s could not be delivered\nSession: %s\nReason: %s",
		session.Username, session.ID, reason)
	n.send(text)
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("Failed to send operator alert",
			zap.Error(err),
			zap.Int64("chat_id", n.chatID))
	}
}

// NoopNotifier is used when no alert channel is configured.
type NoopNotifier struct{}

func (NoopNotifier) EscalationCreated(*models.Escalation)       {}
func (NoopNotifier) DeliveryFailed(*models.Event, string)       {}
func (NoopNotifier) StepDeliveryFailed(*models.Session, string) {}
