// Package reminderpolicy определяет, какие напоминания должны существовать
// для подписки. Политика смотрит только на текущую дату списания:
// напоминания для следующего цикла появляются лишь после того, как
// продвижение цикла сдвинет NextBillingDate вперёд.
package reminderpolicy

import (
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/billing"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// Reminder — одно требуемое напоминание для текущей даты списания.
type Reminder struct {
	DueDate     time.Time
	LeadDays    int
	ScheduledAt time.Time
}

// Required возвращает набор напоминаний, которые должны существовать для подписки
// на момент now. Неактивные и закончившиеся подписки напоминаний не требуют.
// Напоминание с уже прошедшей датой отправки не отбрасывается: оно всё ещё
// требуется и уйдёт при ближайшем проходе доставки.
func Required(sub *models.Subscription, now time.Time) ([]Reminder, error) {
	if !sub.IsActive {
		return nil, nil
	}
	today := billing.Date(now)
	if sub.Ended(today) {
		return nil, nil
	}
	// Списание уже не состоится: дата следующего платежа за датой окончания.
	if sub.EndDate != nil && sub.NextBillingDate.After(*sub.EndDate) {
		return nil, nil
	}

	dueDate := billing.Date(sub.NextBillingDate)
	seen := make(map[int]struct{}, len(sub.ReminderLeadDays))
	result := make([]Reminder, 0, len(sub.ReminderLeadDays))
	for _, lead := range sub.ReminderLeadDays {
		if lead < 0 {
			return nil, fmt.Errorf("subscription %d, lead %d: %w", sub.ID, lead, apperr.ErrInvalidLeadDays)
		}
		if _, ok := seen[lead]; ok {
			continue
		}
		seen[lead] = struct{}{}
		result = append(result, Reminder{
			DueDate:     dueDate,
			LeadDays:    lead,
			ScheduledAt: dueDate.AddDate(0, 0, -lead),
		})
	}
	return result, nil
}
