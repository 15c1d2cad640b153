// Package advancer продвигает дату следующего списания подписки вперёд:
// по событию об оплате или, для подписок с автопродлением, когда дата списания
// прошла без платежа. Параллельные продвижения одной подписки сериализуются
// условным обновлением по ожидаемой старой дате; устаревшие напоминания
// прошлого цикла отменяются, чтобы не уведомлять об уже оплаченном списании.
package advancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/billing"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/clock"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/metrics"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// Причины отмены напоминаний, записываемые в журнал.
const (
	ReasonCycleAdvanced     = "cycle advanced"
	ReasonSubscriptionEnded = "subscription ended"
)

// SubscriptionRepository определяет операции с подписками, нужные продвижению цикла.
type SubscriptionRepository interface {
	Read(ctx context.Context, id int) (*models.Subscription, error)
	// UpdateNextBillingDate выполняет условное обновление: дата меняется, только если
	// текущее значение совпадает с expectedOld. Возвращает false при проигранной гонке.
	UpdateNextBillingDate(ctx context.Context, id int, expectedOld, next time.Time) (bool, error)
	Deactivate(ctx context.Context, id int) error
	// ListOverdueAutoRenew возвращает активные автопродляемые подписки,
	// чья дата списания уже прошла.
	ListOverdueAutoRenew(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)
}

// ReminderLedger определяет отмену устаревших напоминаний.
type ReminderLedger interface {
	CancelPendingReminders(ctx context.Context, subscriptionID int, dueDate time.Time, reason string) (int, error)
	CancelAllPendingReminders(ctx context.Context, subscriptionID int, reason string) (int, error)
}

// Service — сервис продвижения цикла подписки.
type Service struct {
	subs     SubscriptionRepository
	ledger   ReminderLedger
	clock    clock.Clock
	validate *validator.Validate
	log      *slog.Logger
}

// New создает новый экземпляр Service.
func New(subs SubscriptionRepository, ledger ReminderLedger, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{
		subs:     subs,
		ledger:   ledger,
		clock:    clk,
		validate: validator.New(),
		log:      log,
	}
}

// HandlePayment обрабатывает событие об оплате: для платежа со статусом paid
// продвигает дату следующего списания ровно на один цикл.
// Некорректное событие отбрасывается с ошибкой в лог — возврат nil, чтобы
// потребитель очереди не зациклил повторную доставку битого сообщения.
func (s *Service) HandlePayment(ctx context.Context, evt models.PaymentEvent) error {
	const op = "advancer.HandlePayment"
	log := s.log.With(slog.String("op", op), slog.Int("subscription_id", evt.SubscriptionID))

	if err := s.validate.Struct(evt); err != nil {
		log.Error("dropping invalid payment event", sl.Err(err))
		return nil
	}
	if _, err := time.Parse("2006-01-02", evt.PaymentDate); err != nil {
		log.Error("dropping payment event with invalid date", sl.Err(err))
		return nil
	}
	if evt.Status != models.PaymentStatusPaid {
		log.Info("ignoring non-paid payment event", slog.String("status", evt.Status))
		return nil
	}

	advanced, err := s.advanceOnce(ctx, evt.SubscriptionID, false)
	if err != nil {
		if isPermanent(err) {
			log.Error("cannot advance subscription, dropping event", sl.Err(err))
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if advanced {
		log.Info("subscription advanced after payment")
	}
	return nil
}

// RollOverdue продвигает автопродляемые подписки, чья дата списания прошла
// без явного платежа, до ближайшей будущей даты. Ошибка одной подписки
// изолируется и не прерывает обход.
func (s *Service) RollOverdue(ctx context.Context, limit int) error {
	const op = "advancer.RollOverdue"
	now := s.clock.Now()

	subs, err := s.subs.ListOverdueAutoRenew(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(subs) == 0 {
		return nil
	}
	s.log.Info("rolling overdue auto-renew subscriptions", slog.Int("count", len(subs)))

	for _, sub := range subs {
		if _, err := s.advanceOnce(ctx, sub.ID, true); err != nil {
			s.log.Error("failed to roll overdue subscription",
				slog.Int("subscription_id", sub.ID), sl.Err(err))
		}
	}
	return nil
}

// advanceOnce выполняет одно продвижение с однократным повтором при проигранной
// гонке условного обновления. catchUp прокручивает дату через все пропущенные
// циклы сразу, иначе дата сдвигается ровно на один цикл.
func (s *Service) advanceOnce(ctx context.Context, id int, catchUp bool) (bool, error) {
	advanced, err := s.tryAdvance(ctx, id, catchUp)
	if err == nil || !errors.Is(err, apperr.ErrUpdateConflict) {
		return advanced, err
	}

	// Гонка с параллельным продвижением: перечитываем и пробуем ещё раз.
	metrics.AdvanceConflicts.Inc()
	s.log.Warn("lost conditional update race, retrying once", slog.Int("subscription_id", id))
	advanced, err = s.tryAdvance(ctx, id, catchUp)
	if errors.Is(err, apperr.ErrUpdateConflict) {
		s.log.Warn("conditional update lost the race twice, skipping", slog.Int("subscription_id", id))
		return false, nil
	}
	return advanced, err
}

func (s *Service) tryAdvance(ctx context.Context, id int, catchUp bool) (bool, error) {
	sub, err := s.subs.Read(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read subscription %d: %w", id, err)
	}
	if !sub.IsActive {
		s.log.Info("subscription is inactive, nothing to advance", slog.Int("subscription_id", id))
		return false, nil
	}

	oldDue := billing.Date(sub.NextBillingDate)
	var next time.Time
	if catchUp {
		today := billing.Date(s.clock.Now())
		if oldDue.After(today) {
			// Кто-то уже продвинул дату в будущее.
			return false, nil
		}
		next, err = billing.NextChargeAfter(oldDue, today, sub.BillingCycle, sub.BillingDay, sub.CustomIntervalDays)
	} else {
		next, err = billing.NextChargeDate(oldDue, sub.BillingCycle, sub.BillingDay, sub.CustomIntervalDays)
	}
	if err != nil {
		return false, fmt.Errorf("compute next charge date: %w", err)
	}

	// Новая дата за пределами срока подписки: деактивируем вместо продвижения.
	if sub.EndDate != nil && next.After(*sub.EndDate) {
		if err := s.subs.Deactivate(ctx, id); err != nil {
			return false, fmt.Errorf("deactivate subscription %d: %w", id, err)
		}
		canceled, err := s.ledger.CancelAllPendingReminders(ctx, id, ReasonSubscriptionEnded)
		if err != nil {
			return false, fmt.Errorf("cancel reminders for ended subscription %d: %w", id, err)
		}
		s.log.Info("subscription reached end date and was deactivated",
			slog.Int("subscription_id", id), slog.Int("reminders_canceled", canceled))
		return false, nil
	}

	ok, err := s.subs.UpdateNextBillingDate(ctx, id, oldDue, next)
	if err != nil {
		return false, fmt.Errorf("update next billing date: %w", err)
	}
	if !ok {
		return false, apperr.ErrUpdateConflict
	}
	metrics.CycleAdvances.Inc()

	canceled, err := s.ledger.CancelPendingReminders(ctx, id, oldDue, ReasonCycleAdvanced)
	if err != nil {
		// Дата уже продвинута, отмена идемпотентна и доедет при повторе события.
		return true, fmt.Errorf("cancel stale reminders: %w", err)
	}
	s.log.Info("next billing date advanced",
		slog.Int("subscription_id", id),
		slog.String("old_due", oldDue.Format("2006-01-02")),
		slog.String("new_due", next.Format("2006-01-02")),
		slog.Int("reminders_canceled", canceled))
	return true, nil
}

// isPermanent сообщает, что повторная обработка события не поможет:
// ошибка конфигурации подписки или отсутствующая подписка.
func isPermanent(err error) bool {
	return errors.Is(err, apperr.ErrUnsupportedCycle) ||
		errors.Is(err, apperr.ErrInvalidCustomInterval) ||
		errors.Is(err, apperr.ErrNotFound)
}
