package rabbitmq

import (
	"context"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// ReminderPublisher публикует напоминания в очередь reminders.due.
type ReminderPublisher struct {
	ch *amqp.Channel
}

// NewReminderPublisher создает новый экземпляр ReminderPublisher.
func NewReminderPublisher(ch *amqp.Channel) *ReminderPublisher {
	return &ReminderPublisher{ch: ch}
}

// Send публикует сообщение с напоминанием в обменник notifications.
func (p *ReminderPublisher) Send(_ context.Context, msg models.ReminderMessage) error {
	return PublishMessage(p.ch, "notifications", "reminder", msg)
}
