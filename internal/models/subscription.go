// Package models содержит доменные структуры движка напоминаний:
// подписку с правилами списания, запись-напоминание и события оплаты.
// Все даты списаний — календарные (без времени суток), поле EndDate может быть nil —
// это означает отсутствие даты окончания (подписка бессрочная).
package models

import "time"

// BillingCycle определяет периодичность списаний по подписке.
type BillingCycle string

// Поддерживаемые периодичности списаний.
const (
	CycleMonthly    BillingCycle = "monthly"
	CycleQuarterly  BillingCycle = "quarterly"
	CycleSemiannual BillingCycle = "semiannual"
	CycleYearly     BillingCycle = "yearly"
	CycleWeekly     BillingCycle = "weekly"
	// CycleCustom — произвольный интервал в днях, задаётся полем CustomIntervalDays.
	CycleCustom BillingCycle = "custom"
)

// Subscription представляет собой подписку пользователя,
// используемую в бизнес-логике и хранилище.
type Subscription struct {
	ID                 int          // Идентификатор подписки
	UserUID            string       // UID владельца
	Username           string       // Имя пользователя
	Email              string       // Адрес для уведомлений
	ServiceName        string       // Название сервиса подписки
	Amount             float64      // Сумма одного списания
	Currency           string       // Валюта списания
	BillingCycle       BillingCycle // Периодичность списаний
	BillingDay         int          // День месяца списания (0 — берётся день даты-якоря)
	CustomIntervalDays int          // Интервал в днях для цикла custom
	NextBillingDate    time.Time    // Дата следующего списания
	StartDate          time.Time    // Дата начала подписки
	EndDate            *time.Time   // Дата окончания (nil — бессрочная)
	AutoRenew          bool         // Продлевать автоматически после пропущенной даты
	ReminderLeadDays   []int        // За сколько дней до списания напоминать, например {7, 1}
	IsActive           bool         // Активна ли подписка
}

// Ended сообщает, закончилась ли подписка к дате today.
func (s *Subscription) Ended(today time.Time) bool {
	return s.EndDate != nil && today.After(*s.EndDate)
}
