package models

// PaymentEvent используется для приёма события об оплате из очереди,
// прежде чем передать его в продвижение цикла подписки.
// Дата приходит строкой, чтобы её можно было валидировать и парсить вручную.
type PaymentEvent struct {
	SubscriptionID int     `json:"subscription_id" validate:"required,gt=0"` // Подписка, по которой прошла оплата
	PaymentDate    string  `json:"payment_date" validate:"required"`         // Дата оплаты в формате 2006-01-02
	Amount         float64 `json:"amount" validate:"required,gt=0"`          // Сумма платежа
	Status         string  `json:"status" validate:"required"`               // Статус платежа: paid, pending, failed
}

// Статусы платежа, цикл подписки продвигает только paid.
const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPending = "pending"
	PaymentStatusFailed  = "failed"
)
