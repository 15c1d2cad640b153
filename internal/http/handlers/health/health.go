// Package health реализует служебный обработчик готовности воркера.
package health

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-reminder/internal/http/response"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/storage/repository"
)

type Handler struct {
	log     *slog.Logger
	storage *repository.Storage
	rabbit  *amqp.Connection
}

func New(log *slog.Logger, storage *repository.Storage, rabbit *amqp.Connection) *Handler {
	return &Handler{
		log:     log,
		storage: storage,
		rabbit:  rabbit,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"

	if h.storage != nil {
		if err := h.storage.DB.PingContext(r.Context()); err != nil {
			h.log.Error("storage is not ready", slog.String("op", op), sl.Err(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("storage is not ready"))
			return
		}
	}
	if h.rabbit != nil && h.rabbit.IsClosed() {
		h.log.Error("rabbitmq connection is closed", slog.String("op", op))
		w.WriteHeader(http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("rabbitmq connection is closed"))
		return
	}

	w.WriteHeader(http.StatusOK)
	render.JSON(w, r, response.OKWithData(map[string]any{
		"status": "ok",
	}))
}
