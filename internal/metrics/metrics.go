// Package metrics содержит счётчики Prometheus для наблюдения за движком напоминаний.
// Метрики отдаются через promhttp на служебном HTTP-сервере каждого бинарника.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerRuns — запуски планировщика по результату: ok или failed.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_scheduler_runs_total",
		Help: "Scheduler runs by result.",
	}, []string{"result"})

	// RemindersCreated — новые записи напоминаний, созданные сверкой.
	RemindersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_records_created_total",
		Help: "Reminder records created during reconciliation.",
	})

	// RemindersDispatched — напоминания, успешно переданные в доставку.
	RemindersDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_dispatched_total",
		Help: "Reminders handed to the delivery channel.",
	})

	// DeliveryFailures — неудачные попытки доставки, напоминание вернётся в pending.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_delivery_failures_total",
		Help: "Failed delivery attempts, retried on the next run.",
	})

	// ReconcileFailures — подписки, пропущенные при сверке из-за ошибки.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_reconcile_failures_total",
		Help: "Subscriptions skipped during reconciliation.",
	})

	// CycleAdvances — успешные продвижения даты следующего списания.
	CycleAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_cycle_advances_total",
		Help: "Successful next billing date advances.",
	})

	// AdvanceConflicts — проигранные гонки условного обновления даты списания.
	AdvanceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_advance_conflicts_total",
		Help: "Lost conditional update races while advancing a subscription.",
	})

	// EmailsSent — письма, отправленные воркером через SMTP.
	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_emails_sent_total",
		Help: "Reminder emails sent over SMTP.",
	})
)
