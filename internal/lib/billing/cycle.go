// Package billing содержит чистую календарную арифметику циклов списаний.
// Функции не обращаются к хранилищу и не зависят от текущего времени:
// вызывающая сторона передаёт даты, уже нормализованные к таймзоне пользователя.
package billing

import (
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// NextChargeDate возвращает дату следующего списания после anchor для заданного цикла.
// billingDay — желаемый день месяца (0 — используется день anchor); если в целевом
// месяце такого дня нет, дата прижимается к последнему дню месяца
// (например, 31 января → 28/29 февраля). Результат всегда строго позже anchor.
func NextChargeDate(anchor time.Time, cycle models.BillingCycle, billingDay, customIntervalDays int) (time.Time, error) {
	anchor = Date(anchor)

	switch cycle {
	case models.CycleMonthly:
		return addMonths(anchor, 1, billingDay), nil
	case models.CycleQuarterly:
		return addMonths(anchor, 3, billingDay), nil
	case models.CycleSemiannual:
		return addMonths(anchor, 6, billingDay), nil
	case models.CycleYearly:
		return addMonths(anchor, 12, billingDay), nil
	case models.CycleWeekly:
		return anchor.AddDate(0, 0, 7), nil
	case models.CycleCustom:
		if customIntervalDays <= 0 {
			return time.Time{}, fmt.Errorf("interval %d days: %w", customIntervalDays, apperr.ErrInvalidCustomInterval)
		}
		return anchor.AddDate(0, 0, customIntervalDays), nil
	default:
		return time.Time{}, fmt.Errorf("cycle %q: %w", cycle, apperr.ErrUnsupportedCycle)
	}
}

// NextChargeAfter прокручивает дату списания вперёд от anchor,
// пока она не окажется строго позже after. Используется для подписок
// с автопродлением, пропустивших несколько циклов подряд.
func NextChargeAfter(anchor, after time.Time, cycle models.BillingCycle, billingDay, customIntervalDays int) (time.Time, error) {
	next := Date(anchor)
	after = Date(after)

	// Предохранитель от бесконечного цикла при некорректных данных.
	const maxSteps = 1200
	for range maxSteps {
		var err error
		next, err = NextChargeDate(next, cycle, billingDay, customIntervalDays)
		if err != nil {
			return time.Time{}, err
		}
		if next.After(after) {
			return next, nil
		}
	}
	return time.Time{}, fmt.Errorf("next charge date did not pass %s after %d steps", after.Format("2006-01-02"), maxSteps)
}

// Date отбрасывает компонент времени суток, оставляя календарную дату.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addMonths сдвигает дату на months месяцев вперёд, целясь в день day.
// День прижимается к длине целевого месяца, поэтому 31-е число
// в коротком месяце превращается в его последний день.
func addMonths(anchor time.Time, months, day int) time.Time {
	if day <= 0 {
		day = anchor.Day()
	}
	year, month, _ := anchor.Date()
	total := int(month) - 1 + months
	year += total / 12
	targetMonth := time.Month(total%12 + 1)
	if last := daysIn(year, targetMonth); day > last {
		day = last
	}
	return time.Date(year, targetMonth, day, 0, 0, 0, 0, anchor.Location())
}

// daysIn возвращает количество дней в месяце month года year.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
