package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magabrotheeeer/subscription-reminder/internal/config"
	"github.com/magabrotheeeer/subscription-reminder/internal/http/handlers/health"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/clock"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
	"github.com/magabrotheeeer/subscription-reminder/internal/rabbitmq"
	advancerservice "github.com/magabrotheeeer/subscription-reminder/internal/services/advancer"
	"github.com/magabrotheeeer/subscription-reminder/internal/storage/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("starting payment-processor", slog.String("env", cfg.Env))

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("success to connect to RabbitMQ:", slog.String("URL", cfg.RabbitMQURL))
	defer func() {
		_ = conn.Close()
	}()

	queues := rabbitmq.GetNotificationQueues()
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		logger.Error("failed to setup RabbitMQ channel", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("success to setup RabbitMQ channel")
	defer func() {
		_ = ch.Close()
	}()

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		logger.Error("failed to connect to storage", sl.Err(err))
		os.Exit(1)
	}
	defer func() {
		_ = db.DB.Close()
	}()

	clk, err := clock.NewReal(cfg.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", sl.Err(err))
		os.Exit(1)
	}

	advancer := advancerservice.New(db, db, clk, logger)

	handler := func(body []byte) error {
		var evt models.PaymentEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			logger.Error("dropping malformed payment event", sl.Err(err))
			return nil
		}
		return advancer.HandlePayment(ctx, evt)
	}

	if err := rabbitmq.ConsumerMessage(ctx, ch, "payments.recorded", handler); err != nil {
		logger.Error("failed to start consumer", sl.Err(err))
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", health.New(logger, db, conn).ServeHTTP)

	opsServer := &http.Server{
		Addr:    cfg.OpsAddress,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server starting on", slog.String("address", opsServer.Addr))
		err := opsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("ops server failed", sl.Err(err))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	logger.Info("Payment-processor shutting down gracefully")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error("failed to shutdown ops server", sl.Err(err))
	}
}
