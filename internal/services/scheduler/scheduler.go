// Package scheduler реализует один запуск планировщика напоминаний:
// загрузка подписок в окне упреждения, сверка требуемых напоминаний
// с журналом уведомлений и передача созревших напоминаний в доставку.
// Запуски идемпотентны и могут перекрываться во времени: вся координация
// между ними выражена атомарными операциями журнала.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/subscription-reminder/internal/lib/billing"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/clock"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/metrics"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
	"github.com/magabrotheeeer/subscription-reminder/internal/services/reminderpolicy"
)

// SubscriptionRepository определяет чтение подписок, нужное планировщику.
type SubscriptionRepository interface {
	// ListDueWithin возвращает активные подписки с датой списания не позже until.
	ListDueWithin(ctx context.Context, until time.Time) ([]*models.Subscription, error)
}

// ReminderLedger определяет атомарные операции журнала уведомлений.
type ReminderLedger interface {
	// EnsureReminder создает запись по ключу, если неотменённой записи ещё нет.
	// Возвращает запись и признак того, что она была создана этим вызовом.
	EnsureReminder(ctx context.Context, key models.ReminderKey, scheduledAt time.Time) (*models.ReminderRecord, bool, error)
	// ClaimDueReminders атомарно захватывает к отправке pending-записи
	// с датой отправки не позже now. Запись, захваченная одним запуском,
	// не достаётся другому.
	ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]*models.DueReminder, error)
	// MarkReminderSent фиксирует успешную доставку, повторный вызов — no-op.
	MarkReminderSent(ctx context.Context, id string) error
	// ReleaseReminder возвращает захваченную запись в pending после неудачной доставки.
	ReleaseReminder(ctx context.Context, id string) error
}

// Delivery передаёт напоминание каналу доставки.
// Ошибка считается временной: запись останется в журнале и уйдёт позже.
type Delivery interface {
	Send(ctx context.Context, msg models.ReminderMessage) error
}

// Service — планировщик напоминаний.
type Service struct {
	subs          SubscriptionRepository
	ledger        ReminderLedger
	delivery      Delivery
	clock         clock.Clock
	lookaheadDays int
	claimLimit    int
	log           *slog.Logger
}

// New создает новый экземпляр планировщика. Окно упреждения lookaheadDays
// должно быть не меньше наибольшего срока упреждения среди подписок,
// иначе их напоминания не успеют попасть в журнал.
func New(subs SubscriptionRepository, ledger ReminderLedger, delivery Delivery,
	clk clock.Clock, lookaheadDays, claimLimit int, log *slog.Logger) *Service {
	return &Service{
		subs:          subs,
		ledger:        ledger,
		delivery:      delivery,
		clock:         clk,
		lookaheadDays: lookaheadDays,
		claimLimit:    claimLimit,
		log:           log,
	}
}

// Run выполняет один проход планировщика: Loading → Reconciling → Delivering.
// Ошибка по отдельной подписке или отдельному напоминанию изолируется и логируется,
// ошибкой запуска считается только недоступность хранилища.
func (s *Service) Run(ctx context.Context) error {
	const op = "scheduler.Run"
	now := s.clock.Now()

	created, err := s.reconcile(ctx, now)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("failed").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	dispatched, err := s.deliver(ctx, now)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("failed").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.SchedulerRuns.WithLabelValues("ok").Inc()
	s.log.Info("scheduler run finished",
		slog.Int("reminders_created", created),
		slog.Int("reminders_dispatched", dispatched))
	return nil
}

// reconcile приводит журнал уведомлений в соответствие с политикой напоминаний.
func (s *Service) reconcile(ctx context.Context, now time.Time) (int, error) {
	until := billing.Date(now).AddDate(0, 0, s.lookaheadDays)
	subs, err := s.subs.ListDueWithin(ctx, until)
	if err != nil {
		return 0, fmt.Errorf("list due subscriptions: %w", err)
	}
	s.log.Info("loaded subscriptions for reconciliation", slog.Int("count", len(subs)))

	var created int
	for _, sub := range subs {
		required, err := reminderpolicy.Required(sub, now)
		if err != nil {
			s.log.Error("skipping subscription: bad reminder configuration",
				slog.Int("subscription_id", sub.ID), sl.Err(err))
			metrics.ReconcileFailures.Inc()
			continue
		}
		for _, r := range required {
			if r.LeadDays > s.lookaheadDays {
				s.log.Warn("reminder lead exceeds lookahead window, reminder may be late",
					slog.Int("subscription_id", sub.ID),
					slog.Int("lead_days", r.LeadDays),
					slog.Int("lookahead_days", s.lookaheadDays))
			}
			key := models.ReminderKey{
				SubscriptionID: sub.ID,
				DueDate:        r.DueDate,
				LeadDays:       r.LeadDays,
			}
			_, wasCreated, err := s.ledger.EnsureReminder(ctx, key, r.ScheduledAt)
			if err != nil {
				s.log.Error("failed to ensure reminder",
					slog.Int("subscription_id", sub.ID),
					slog.Int("lead_days", r.LeadDays), sl.Err(err))
				metrics.ReconcileFailures.Inc()
				continue
			}
			if wasCreated {
				created++
				metrics.RemindersCreated.Inc()
			}
		}
	}
	return created, nil
}

// deliver захватывает созревшие напоминания и передаёт их каналу доставки.
// Неудачная доставка возвращает запись в pending для повтора на следующем запуске.
func (s *Service) deliver(ctx context.Context, now time.Time) (int, error) {
	claimed, err := s.ledger.ClaimDueReminders(ctx, now, s.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim due reminders: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	s.log.Info("claimed due reminders", slog.Int("count", len(claimed)))

	var dispatched int
	for _, due := range claimed {
		if err := s.delivery.Send(ctx, due.Message()); err != nil {
			s.log.Error("failed to deliver reminder, releasing back to pending",
				slog.String("reminder_id", due.ReminderID), sl.Err(err))
			metrics.DeliveryFailures.Inc()
			if relErr := s.ledger.ReleaseReminder(ctx, due.ReminderID); relErr != nil {
				s.log.Error("failed to release reminder", slog.String("reminder_id", due.ReminderID), sl.Err(relErr))
			}
			continue
		}
		if err := s.ledger.MarkReminderSent(ctx, due.ReminderID); err != nil {
			// Доставка уже произошла, повтор возможен: отправитель подавляет дубликаты.
			s.log.Error("failed to mark reminder as sent",
				slog.String("reminder_id", due.ReminderID), sl.Err(err))
			continue
		}
		dispatched++
		metrics.RemindersDispatched.Inc()
	}
	return dispatched, nil
}
