// Package sender отправляет письма-напоминания из очереди reminders.due.
// Доставка из очереди идет по схеме "хотя бы один раз": после успешной
// отправки в Redis ставится защитный ключ, и повторная доставка того же
// напоминания письмо не дублирует. Ключ ставится только после отправки,
// иначе падение между ключом и отправкой проглатывало бы напоминание;
// цена — редкий дубль письма при падении между отправкой и ключом.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-reminder/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-reminder/internal/lib/smtp"
	"github.com/magabrotheeeer/subscription-reminder/internal/metrics"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

// Deduper хранит защитные ключи уже отправленных напоминаний.
type Deduper interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(key string, value any, expiration time.Duration) error
}

// Service обрабатывает сообщения очереди и отправляет письма по SMTP.
type Service struct {
	transport   smtp.TransportInterface
	dedup       Deduper
	limiter     *rate.Limiter
	sendTimeout time.Duration
	log         *slog.Logger
}

// guardTTL должен перекрывать окно, в котором брокер может повторить доставку.
const guardTTL = 24 * time.Hour

// New создает новый экземпляр Service.
func New(transport smtp.TransportInterface, dedup Deduper, limiter *rate.Limiter,
	sendTimeout time.Duration, log *slog.Logger) *Service {
	return &Service{
		transport:   transport,
		dedup:       dedup,
		limiter:     limiter,
		sendTimeout: sendTimeout,
		log:         log,
	}
}

// HandleDueReminder обрабатывает одно сообщение из очереди reminders.due.
// Ошибка отправки возвращается наружу, чтобы сообщение вернулось в очередь.
func (s *Service) HandleDueReminder(body []byte) error {
	var message models.ReminderMessage
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal reminder message", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	guardKey := "reminder:sent:" + message.ReminderID
	sent, err := s.dedup.Exists(ctx, guardKey)
	if err != nil {
		s.log.Error("failed to check duplicate guard", sl.Err(err))
		return fmt.Errorf("duplicate guard: %w", err)
	}
	if sent {
		s.log.Info("reminder already sent, skipping duplicate delivery",
			slog.String("reminder_id", message.ReminderID))
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	subject := "Напоминание о предстоящем списании"
	bodyText := fmt.Sprintf(
		"Здравствуйте, %s!\n\nЧерез %s, %s, с вашей подписки на сервис %s будет списано %.2f %s.\n\nЕсли вы не планируете продлевать подписку, отмените её заранее.",
		message.Username,
		declineDays(message.LeadDays),
		message.DueDate.Format("02.01.2006"),
		message.ServiceName,
		message.Amount,
		message.Currency,
	)

	if err := s.sendEmail([]string{message.Email}, subject, bodyText); err != nil {
		return err
	}

	// Письмо уже ушло: ошибка ключа не повод возвращать сообщение в очередь,
	// худший исход повтора без ключа — дубль письма.
	if err := s.dedup.Set(guardKey, time.Now().UTC(), guardTTL); err != nil {
		s.log.Error("failed to set duplicate guard after send", sl.Err(err))
	}

	metrics.EmailsSent.Inc()
	return nil
}

func declineDays(days int) string {
	if days == 0 {
		return "сегодня"
	}
	last := days % 10
	switch {
	case days%100 >= 11 && days%100 <= 14:
		return fmt.Sprintf("%d дней", days)
	case last == 1:
		return fmt.Sprintf("%d день", days)
	case last >= 2 && last <= 4:
		return fmt.Sprintf("%d дня", days)
	default:
		return fmt.Sprintf("%d дней", days)
	}
}

func (s *Service) sendEmail(to []string, subject, bodyText string) error {
	msg := strings.Join([]string{
		"From: " + s.transport.GetSMTPUser(),
		"To: " + strings.Join(to, ";"),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("Failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer client.Close()

	if err := client.Mail(s.transport.GetSMTPUser()); err != nil {
		s.log.Error("Failed to set MAIL FROM", "from", s.transport.GetSMTPUser(), "error", sl.Err(err))
		return err
	}

	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			s.log.Error("Failed to set RCPT TO", "recipient", addr, "error", sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		s.log.Error("Failed to get Data writer", sl.Err(err))
		return err
	}

	_, err = wc.Write([]byte(msg))
	if err != nil {
		s.log.Error("Failed to write email body", sl.Err(err))
		return err
	}

	if err = wc.Close(); err != nil {
		s.log.Error("Failed to close Data writer", sl.Err(err))
		return err
	}

	if err = client.Quit(); err != nil {
		s.log.Error("Failed to quit SMTP client", sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", "to", to)
	return nil
}
