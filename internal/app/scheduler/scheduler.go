// Package scheduler собирает воркер планировщика: подключение к брокеру
// и хранилищу, расписание запусков и служебный HTTP-сервер.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-reminder/internal/config"
	"github.com/magabrotheeeer/subscription-reminder/internal/http/handlers/health"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/clock"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/migrations"
	"github.com/magabrotheeeer/subscription-reminder/internal/rabbitmq"
	advancerservice "github.com/magabrotheeeer/subscription-reminder/internal/services/advancer"
	schedulerservice "github.com/magabrotheeeer/subscription-reminder/internal/services/scheduler"
	"github.com/magabrotheeeer/subscription-reminder/internal/storage/repository"
)

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.Service
	advancerService  *advancerservice.Service
	cron             *cron.Cron
	opsServer        *http.Server
	conn             *amqp.Connection
	ch               *amqp.Channel
	db               *repository.Storage
	rolloverLimit    int
	logger           *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения планировщика.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	queues := rabbitmq.GetNotificationQueues()
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := waitForDB(db); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}

	clk, err := clock.NewReal(cfg.Timezone)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}

	delivery := rabbitmq.NewReminderPublisher(ch)
	schedulerService := schedulerservice.New(db, db, delivery, clk,
		cfg.LookaheadDays, cfg.ClaimLimit, logger)
	advancerService := advancerservice.New(db, db, clk, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", health.New(logger, db, conn).ServeHTTP)

	opsServer := &http.Server{
		Addr:    cfg.OpsAddress,
		Handler: router,
	}

	return &App{
		schedulerService: schedulerService,
		advancerService:  advancerService,
		cron:             cron.New(),
		opsServer:        opsServer,
		conn:             conn,
		ch:               ch,
		db:               db,
		rolloverLimit:    cfg.RolloverLimit,
		logger:           logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", "error", err)
		}
	}
}

// Run запускает расписание планировщика и служебный HTTP-сервер
// и блокируется до отмены контекста.
func (a *App) Run(ctx context.Context, cfg *config.Config) error {
	if _, err := a.cron.AddFunc(cfg.RunSpec, func() {
		if err := a.schedulerService.Run(ctx); err != nil {
			a.logger.Error("scheduler run failed", sl.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule scheduler run: %w", err)
	}

	if _, err := a.cron.AddFunc(cfg.RolloverSpec, func() {
		if err := a.advancerService.RollOverdue(ctx, a.rolloverLimit); err != nil {
			a.logger.Error("rollover sweep failed", sl.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule rollover sweep: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops server starting on", slog.String("address", a.opsServer.Addr))
		err := a.opsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	// Первый запуск сразу, не дожидаясь расписания.
	go func() {
		if err := a.schedulerService.Run(ctx); err != nil {
			a.logger.Error("startup scheduler run failed", sl.Err(err))
		}
		if err := a.advancerService.RollOverdue(ctx, a.rolloverLimit); err != nil {
			a.logger.Error("startup rollover sweep failed", sl.Err(err))
		}
	}()

	a.cron.Start()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down scheduler service")

	stopCtx := a.cron.Stop()
	<-stopCtx.Done()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.opsServer.Shutdown(timeoutCtx); err != nil {
		a.logger.Error("failed to shutdown ops server", sl.Err(err))
	}

	closeResources(a.ch, a.conn, a.logger)

	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close storage", sl.Err(err))
	}

	return nil
}
