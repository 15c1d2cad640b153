package models

import "time"

// ReminderStatus описывает состояние напоминания в журнале уведомлений.
type ReminderStatus string

// Жизненный цикл напоминания: pending → sending → sent,
// из pending и sending возможен переход в canceled.
const (
	ReminderPending  ReminderStatus = "pending"
	ReminderSending  ReminderStatus = "sending"
	ReminderSent     ReminderStatus = "sent"
	ReminderCanceled ReminderStatus = "canceled"
)

// ReminderKey — ключ дедупликации напоминаний: для одной тройки
// (подписка, дата списания, срок упреждения) существует не более одной
// неотменённой записи.
type ReminderKey struct {
	SubscriptionID int
	DueDate        time.Time
	LeadDays       int
}

// ReminderRecord представляет запись журнала уведомлений.
type ReminderRecord struct {
	ID             string         // UUID записи
	SubscriptionID int            // Ссылка на подписку
	DueDate        time.Time      // Дата списания, к которой относится напоминание
	LeadDays       int            // За сколько дней до списания напоминать
	ScheduledAt    time.Time      // Расчётная дата отправки: DueDate - LeadDays
	Status         ReminderStatus // Текущий статус
	SentAt         *time.Time     // Время фактической отправки
	CancelReason   string         // Причина отмены (для status = canceled)
}

// Key возвращает ключ дедупликации записи.
func (r *ReminderRecord) Key() ReminderKey {
	return ReminderKey{
		SubscriptionID: r.SubscriptionID,
		DueDate:        r.DueDate,
		LeadDays:       r.LeadDays,
	}
}

// DueReminder — захваченное к отправке напоминание вместе с данными подписки,
// необходимыми воркеру-отправителю для письма.
type DueReminder struct {
	ReminderID     string
	SubscriptionID int
	DueDate        time.Time
	LeadDays       int
	ScheduledAt    time.Time
	Email          string
	Username       string
	ServiceName    string
	Amount         float64
	Currency       string
}

// ReminderMessage используется для передачи напоминания через очередь
// от планировщика к сервису отправки.
type ReminderMessage struct {
	ReminderID  string    `json:"reminder_id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	ServiceName string    `json:"service_name"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	DueDate     time.Time `json:"due_date"`
	LeadDays    int       `json:"lead_days"`
}

// Message собирает полезную нагрузку очереди из захваченного напоминания.
func (d *DueReminder) Message() ReminderMessage {
	return ReminderMessage{
		ReminderID:  d.ReminderID,
		Email:       d.Email,
		Username:    d.Username,
		ServiceName: d.ServiceName,
		Amount:      d.Amount,
		Currency:    d.Currency,
		DueDate:     d.DueDate,
		LeadDays:    d.LeadDays,
	}
}
