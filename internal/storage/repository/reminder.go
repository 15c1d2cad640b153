package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// EnsureReminder создает pending-запись по ключу (подписка, дата списания, упреждение),
// если неотменённой записи ещё нет. Вставка условная — уникальный частичный индекс
// по ключу закрывает окно гонки между перекрывающимися запусками планировщика:
// из двух одновременных вызовов запись создаст ровно один.
func (s *Storage) EnsureReminder(ctx context.Context, key models.ReminderKey, scheduledAt time.Time) (*models.ReminderRecord, bool, error) {
	const op = "storage.EnsureReminder"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	insert := `INSERT INTO reminders (id, subscription_id, due_date, lead_days, scheduled_at, status)
			   VALUES ($1, $2, $3, $4, $5, 'pending')
			   ON CONFLICT (subscription_id, due_date, lead_days) WHERE status <> 'canceled'
			   DO NOTHING
			   RETURNING id, subscription_id, due_date, lead_days, scheduled_at, status, sent_at, cancel_reason`
	row := s.DB.QueryRowContext(ctx, insert,
		uuid.New().String(), key.SubscriptionID, key.DueDate, key.LeadDays, scheduledAt)

	record, err := scanReminder(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	// Конфликт по ключу: запись уже существует, возвращаем её без изменений.
	query := `SELECT id, subscription_id, due_date, lead_days, scheduled_at, status, sent_at, cancel_reason
			  FROM reminders
			  WHERE subscription_id = $1 AND due_date = $2 AND lead_days = $3 AND status <> 'canceled'`
	record, err = scanReminder(s.DB.QueryRowContext(ctx, query, key.SubscriptionID, key.DueDate, key.LeadDays))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("%s: reminder vanished after conflict: %w", op, apperr.ErrNotFound)
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return record, false, nil
}

// claimStaleAfter — время, после которого захваченная запись считается брошенной:
// процесс, захвативший её, убит до фиксации или возврата. Должно превышать
// максимальную длительность одного прохода доставки.
const claimStaleAfter = 15 * time.Minute

// ClaimDueReminders атомарно переводит созревшие pending-записи в sending
// и возвращает их вместе с данными подписки для письма. Захват выполняется
// одним UPDATE с SKIP LOCKED: запись достаётся ровно одному из конкурирующих
// запусков, блокировки строк не разделяются между процессами.
// Записи в sending, захваченные дольше claimStaleAfter назад, перезахватываются:
// убитый посреди доставки процесс не оставляет их застрявшими навсегда.
func (s *Storage) ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]*models.DueReminder, error) {
	const op = "storage.ClaimDueReminders"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `WITH claimed AS (
				  SELECT id FROM reminders
				  WHERE (status = 'pending' AND scheduled_at <= $1)
				     OR (status = 'sending' AND claimed_at <= $3)
				  ORDER BY scheduled_at, id
				  LIMIT $2
				  FOR UPDATE SKIP LOCKED
			  )
			  UPDATE reminders r
			  SET status = 'sending', claimed_at = $1
			  FROM claimed c, subscriptions sub
			  WHERE r.id = c.id AND sub.id = r.subscription_id
			  RETURNING r.id, r.subscription_id, r.due_date, r.lead_days, r.scheduled_at,
						sub.email, sub.username, sub.service_name, sub.amount, sub.currency`
	rows, err := s.DB.QueryContext(ctx, query, now, limit, now.Add(-claimStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.DueReminder
	for rows.Next() {
		var item models.DueReminder
		if err := rows.Scan(&item.ReminderID, &item.SubscriptionID, &item.DueDate,
			&item.LeadDays, &item.ScheduledAt,
			&item.Email, &item.Username, &item.ServiceName, &item.Amount, &item.Currency); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// MarkReminderSent фиксирует успешную доставку. Повторный вызов на записи
// в терминальном статусе — no-op, не ошибка.
func (s *Storage) MarkReminderSent(ctx context.Context, id string) error {
	const op = "storage.MarkReminderSent"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE reminders
			  SET status = 'sent', sent_at = NOW()
			  WHERE id = $1 AND status IN ('pending', 'sending')`
	if _, err := s.DB.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReleaseReminder возвращает захваченную запись из sending в pending
// после неудачной попытки доставки.
func (s *Storage) ReleaseReminder(ctx context.Context, id string) error {
	const op = "storage.ReleaseReminder"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE reminders SET status = 'pending', claimed_at = NULL
			  WHERE id = $1 AND status = 'sending'`
	if _, err := s.DB.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MarkReminderCanceled переводит запись в canceled с указанием причины.
// Идемпотентна: записи в терминальном статусе не трогаются.
func (s *Storage) MarkReminderCanceled(ctx context.Context, id, reason string) error {
	const op = "storage.MarkReminderCanceled"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE reminders
			  SET status = 'canceled', cancel_reason = $2
			  WHERE id = $1 AND status IN ('pending', 'sending')`
	if _, err := s.DB.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CancelPendingReminders отменяет неотправленные напоминания подписки,
// относящиеся к устаревшей дате списания dueDate. Возвращает количество
// отменённых записей.
func (s *Storage) CancelPendingReminders(ctx context.Context, subscriptionID int, dueDate time.Time, reason string) (int, error) {
	const op = "storage.CancelPendingReminders"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE reminders
			  SET status = 'canceled', cancel_reason = $3
			  WHERE subscription_id = $1 AND due_date = $2 AND status IN ('pending', 'sending')`
	result, err := s.DB.ExecContext(ctx, query, subscriptionID, dueDate, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// CancelAllPendingReminders отменяет все неотправленные напоминания подписки,
// например при её деактивации по дате окончания.
func (s *Storage) CancelAllPendingReminders(ctx context.Context, subscriptionID int, reason string) (int, error) {
	const op = "storage.CancelAllPendingReminders"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE reminders
			  SET status = 'canceled', cancel_reason = $2
			  WHERE subscription_id = $1 AND status IN ('pending', 'sending')`
	result, err := s.DB.ExecContext(ctx, query, subscriptionID, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// scanReminder читает строку журнала уведомлений.
func scanReminder(row scanner) (*models.ReminderRecord, error) {
	var item models.ReminderRecord
	var sentAt sql.NullTime
	var cancelReason sql.NullString
	if err := row.Scan(&item.ID, &item.SubscriptionID, &item.DueDate, &item.LeadDays,
		&item.ScheduledAt, &item.Status, &sentAt, &cancelReason); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		item.SentAt = &sentAt.Time
	}
	item.CancelReason = cancelReason.String
	return &item, nil
}
