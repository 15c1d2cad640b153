package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

const subscriptionColumns = `id, user_uid, username, email, service_name, amount, currency,
			  billing_cycle, billing_day, custom_interval_days, next_billing_date,
			  start_date, end_date, auto_renew, reminder_lead_days, is_active`

// Read возвращает подписку по её ID.
func (s *Storage) Read(ctx context.Context, id int) (*models.Subscription, error) {
	const op = "storage.Read"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions WHERE id = $1`
	row := s.DB.QueryRowContext(ctx, query, id)

	result, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: subscription %d: %w", op, id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListDueWithin возвращает активные подписки с датой следующего списания
// не позже until, включая просроченные.
func (s *Storage) ListDueWithin(ctx context.Context, until time.Time) ([]*models.Subscription, error) {
	const op = "storage.ListDueWithin"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE is_active AND next_billing_date <= $1
			  ORDER BY next_billing_date, id`
	rows, err := s.DB.QueryContext(ctx, query, until)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Subscription
	for rows.Next() {
		item, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListOverdueAutoRenew возвращает активные автопродляемые подписки,
// чья дата списания уже прошла на момент now.
func (s *Storage) ListOverdueAutoRenew(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	const op = "storage.ListOverdueAutoRenew"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE is_active AND auto_renew AND next_billing_date < $1
			  ORDER BY next_billing_date, id
			  LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Subscription
	for rows.Next() {
		item, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// UpdateNextBillingDate выполняет условное обновление даты следующего списания:
// дата меняется, только если текущее значение совпадает с expectedOld.
// Возвращает false, если обновление проиграло гонку параллельному продвижению.
func (s *Storage) UpdateNextBillingDate(ctx context.Context, id int, expectedOld, next time.Time) (bool, error) {
	const op = "storage.UpdateNextBillingDate"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET next_billing_date = $3
			  WHERE id = $1 AND next_billing_date = $2 AND is_active`
	result, err := s.DB.ExecContext(ctx, query, id, expectedOld, next)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected > 0, nil
}

// Deactivate помечает подписку неактивной.
func (s *Storage) Deactivate(ctx context.Context, id int) error {
	const op = "storage.Deactivate"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions SET is_active = FALSE WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// scanner покрывает *sql.Row и *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSubscription читает строку подписки; reminder_lead_days хранится как JSONB.
func scanSubscription(row scanner) (*models.Subscription, error) {
	var item models.Subscription
	var endDate sql.NullTime
	var leadDaysRaw []byte
	if err := row.Scan(&item.ID, &item.UserUID, &item.Username, &item.Email,
		&item.ServiceName, &item.Amount, &item.Currency,
		&item.BillingCycle, &item.BillingDay, &item.CustomIntervalDays,
		&item.NextBillingDate, &item.StartDate, &endDate,
		&item.AutoRenew, &leadDaysRaw, &item.IsActive); err != nil {
		return nil, err
	}
	if endDate.Valid {
		item.EndDate = &endDate.Time
	}
	if len(leadDaysRaw) > 0 {
		if err := json.Unmarshal(leadDaysRaw, &item.ReminderLeadDays); err != nil {
			return nil, fmt.Errorf("decode reminder_lead_days: %w", err)
		}
	}
	return &item, nil
}
