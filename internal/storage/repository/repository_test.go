package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/subscription-reminder/internal/migrations"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

func setupTestStorage(t *testing.T) *Storage {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(dsn)
	require.NoError(t, err)

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath))

	t.Cleanup(func() {
		storage.DB.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	return storage
}

type subscriptionParams struct {
	serviceName     string
	nextBillingDate time.Time
	endDate         *time.Time
	autoRenew       bool
	isActive        bool
}

func insertSubscription(t *testing.T, s *Storage, p subscriptionParams) int {
	var id int
	err := s.DB.QueryRow(`
		INSERT INTO subscriptions (user_uid, username, email, service_name, amount, currency,
			billing_cycle, billing_day, custom_interval_days, next_billing_date,
			start_date, end_date, auto_renew, reminder_lead_days, is_active)
		VALUES ($1, 'testuser', 'test@example.com', $2, 599, 'RUB',
			'monthly', 10, 0, $3, '2026-01-10', $4, $5, '[7, 1]', $6)
		RETURNING id`,
		uuid.New().String(), p.serviceName, p.nextBillingDate, p.endDate, p.autoRenew, p.isActive,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEnsureReminder_Dedup(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}

	rec, created, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.ReminderPending, rec.Status)

	again, created, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)
}

func TestEnsureReminder_CanceledDoesNotBlockNewRecord(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Spotify",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}

	rec, created, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, storage.MarkReminderCanceled(ctx, rec.ID, "cycle advanced"))

	fresh, created, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, rec.ID, fresh.ID)
}

func TestClaimDueReminders(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	matured := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 7}
	future := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 1}

	_, _, err := storage.EnsureReminder(ctx, matured, date(2026, 9, 3))
	require.NoError(t, err)
	_, _, err = storage.EnsureReminder(ctx, future, date(2026, 9, 9))
	require.NoError(t, err)

	claimed, err := storage.ClaimDueReminders(ctx, date(2026, 9, 3), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 7, claimed[0].LeadDays)
	assert.Equal(t, "test@example.com", claimed[0].Email)
	assert.Equal(t, "Netflix", claimed[0].ServiceName)
	assert.InEpsilon(t, 599.0, claimed[0].Amount, 0.001)

	// Захваченная запись ушла из pending, повторный вызов её не вернет.
	again, err := storage.ClaimDueReminders(ctx, date(2026, 9, 3), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueReminders_ReclaimsStaleSending(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}
	_, _, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)

	claimedAt := date(2026, 9, 7)
	claimed, err := storage.ClaimDueReminders(ctx, claimedAt, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Процесс убит до MarkReminderSent: запись осталась в sending.
	// Пока тайм-аут захвата не истёк, запись никому не достаётся.
	soon, err := storage.ClaimDueReminders(ctx, claimedAt.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, soon)

	later, err := storage.ClaimDueReminders(ctx, claimedAt.Add(claimStaleAfter+time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, claimed[0].ReminderID, later[0].ReminderID)

	// Перезахват обновляет claimed_at: третий захват снова ждёт тайм-аут.
	var status string
	require.NoError(t, storage.DB.QueryRow(
		`SELECT status FROM reminders WHERE id = $1`, later[0].ReminderID).Scan(&status))
	assert.Equal(t, "sending", status)
	again, err := storage.ClaimDueReminders(ctx, claimedAt.Add(claimStaleAfter+2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueReminders_ConcurrentClaimsAreDisjoint(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 30),
		autoRenew:       true,
		isActive:        true,
	})

	for lead := 1; lead <= 20; lead++ {
		key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 30), LeadDays: lead}
		_, _, err := storage.EnsureReminder(ctx, key, date(2026, 9, 30-lead))
		require.NoError(t, err)
	}

	const workers = 4
	results := make(chan []*models.DueReminder, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := storage.ClaimDueReminders(ctx, date(2026, 9, 29), 7)
			assert.NoError(t, err)
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]int)
	total := 0
	for batch := range results {
		for _, r := range batch {
			seen[r.ReminderID]++
			total++
		}
	}
	assert.Equal(t, 20, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "reminder %s claimed more than once", id)
	}
}

func TestReleaseReminder_ReturnsToPending(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}
	_, _, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)

	claimed, err := storage.ClaimDueReminders(ctx, date(2026, 9, 7), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, storage.ReleaseReminder(ctx, claimed[0].ReminderID))

	reclaimed, err := storage.ClaimDueReminders(ctx, date(2026, 9, 7), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ReminderID, reclaimed[0].ReminderID)
}

func TestMarkReminderSent_IsTerminal(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}
	rec, _, err := storage.EnsureReminder(ctx, key, date(2026, 9, 7))
	require.NoError(t, err)

	require.NoError(t, storage.MarkReminderSent(ctx, rec.ID))
	// Повторная фиксация и отмена терминальной записи — no-op.
	require.NoError(t, storage.MarkReminderSent(ctx, rec.ID))
	require.NoError(t, storage.MarkReminderCanceled(ctx, rec.ID, "late cancel"))

	var status string
	require.NoError(t, storage.DB.QueryRow(
		`SELECT status FROM reminders WHERE id = $1`, rec.ID).Scan(&status))
	assert.Equal(t, "sent", status)
}

func TestCancelPendingReminders_OnlyStaleDueDate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 10, 10),
		autoRenew:       true,
		isActive:        true,
	})

	stale := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: 3}
	next := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 10, 10), LeadDays: 3}

	_, _, err := storage.EnsureReminder(ctx, stale, date(2026, 9, 7))
	require.NoError(t, err)
	_, _, err = storage.EnsureReminder(ctx, next, date(2026, 10, 7))
	require.NoError(t, err)

	canceled, err := storage.CancelPendingReminders(ctx, subID, date(2026, 9, 10), "cycle advanced")
	require.NoError(t, err)
	assert.Equal(t, 1, canceled)

	claimed, err := storage.ClaimDueReminders(ctx, date(2026, 10, 7), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].DueDate.Equal(date(2026, 10, 10)))
}

func TestCancelAllPendingReminders(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	for _, lead := range []int{7, 3, 1} {
		key := models.ReminderKey{SubscriptionID: subID, DueDate: date(2026, 9, 10), LeadDays: lead}
		_, _, err := storage.EnsureReminder(ctx, key, date(2026, 9, 10-lead))
		require.NoError(t, err)
	}

	canceled, err := storage.CancelAllPendingReminders(ctx, subID, "subscription ended")
	require.NoError(t, err)
	assert.Equal(t, 3, canceled)

	claimed, err := storage.ClaimDueReminders(ctx, date(2026, 9, 9), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestUpdateNextBillingDate_Conditional(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	ok, err := storage.UpdateNextBillingDate(ctx, subID, date(2026, 9, 10), date(2026, 10, 10))
	require.NoError(t, err)
	assert.True(t, ok)

	// Ожидаемая старая дата уже не совпадает: обновление проиграло гонку.
	ok, err = storage.UpdateNextBillingDate(ctx, subID, date(2026, 9, 10), date(2026, 11, 10))
	require.NoError(t, err)
	assert.False(t, ok)

	sub, err := storage.Read(ctx, subID)
	require.NoError(t, err)
	assert.True(t, sub.NextBillingDate.Equal(date(2026, 10, 10)))
}

func TestListDueWithin_SkipsInactive(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	dueID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 5),
		autoRenew:       true,
		isActive:        true,
	})
	insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Spotify",
		nextBillingDate: date(2026, 9, 5),
		autoRenew:       true,
		isActive:        false,
	})
	insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Yandex Plus",
		nextBillingDate: date(2026, 10, 20),
		autoRenew:       true,
		isActive:        true,
	})

	subs, err := storage.ListDueWithin(ctx, date(2026, 9, 15))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, dueID, subs[0].ID)
	assert.Equal(t, []int{7, 1}, subs[0].ReminderLeadDays)
}

func TestListOverdueAutoRenew(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	overdueID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 8, 10),
		autoRenew:       true,
		isActive:        true,
	})
	insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Spotify",
		nextBillingDate: date(2026, 8, 10),
		autoRenew:       false,
		isActive:        true,
	})

	subs, err := storage.ListOverdueAutoRenew(ctx, date(2026, 9, 1), 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, overdueID, subs[0].ID)
}

func TestRead_NotFound(t *testing.T) {
	storage := setupTestStorage(t)

	_, err := storage.Read(context.Background(), 99999)
	require.Error(t, err)
}

func TestDeactivate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	subID := insertSubscription(t, storage, subscriptionParams{
		serviceName:     "Netflix",
		nextBillingDate: date(2026, 9, 10),
		autoRenew:       true,
		isActive:        true,
	})

	require.NoError(t, storage.Deactivate(ctx, subID))

	sub, err := storage.Read(ctx, subID)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)

	// Деактивированная подписка закрыта и для условного продвижения.
	ok, err := storage.UpdateNextBillingDate(ctx, subID, date(2026, 9, 10), date(2026, 10, 10))
	require.NoError(t, err)
	assert.False(t, ok)
}
