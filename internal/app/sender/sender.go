// Package sender собирает воркер отправки писем из очереди reminders.due.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-reminder/internal/cache"
	"github.com/magabrotheeeer/subscription-reminder/internal/config"
	"github.com/magabrotheeeer/subscription-reminder/internal/http/handlers/health"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/smtp"
	"github.com/magabrotheeeer/subscription-reminder/internal/rabbitmq"
	senderservice "github.com/magabrotheeeer/subscription-reminder/internal/services/sender"
)

type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.Service
	opsServer     *http.Server
	logger        *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}

	queues := rabbitmq.GetNotificationQueues()
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		conn.Close()
		return nil, err
	}

	newTransport := smtp.NewTransport(cfg, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.SendBurst)
	senderService := senderservice.New(newTransport, cacheRedis, limiter,
		cfg.DeliveryTimeout, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", health.New(logger, nil, conn).ServeHTTP)

	opsServer := &http.Server{
		Addr:    cfg.OpsAddress,
		Handler: router,
	}

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderService,
		opsServer:     opsServer,
		logger:        logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, "reminders.due", a.senderService.HandleDueReminder)
	if err != nil {
		a.logger.Error("failed to start reminders.due consumer", slog.Any("err", err))
		return err
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

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Sender service shutting down gracefully")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.opsServer.Shutdown(timeoutCtx); err != nil {
		a.logger.Error("failed to shutdown ops server", sl.Err(err))
	}

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}

	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}

	return nil
}
