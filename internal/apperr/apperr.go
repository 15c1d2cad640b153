// Package apperr содержит сентинельные ошибки доменной логики.
// Ошибки хранилища и доставки оборачиваются через fmt.Errorf("%s: %w", op, err)
// и считаются временными: обработка повторяется на следующем запуске.
package apperr

import "errors"

var (
	// ErrUnsupportedCycle — неизвестная периодичность списаний у подписки.
	// Фатальна только для этой подписки, запуск продолжается для остальных.
	ErrUnsupportedCycle = errors.New("unsupported billing cycle")

	// ErrInvalidCustomInterval — цикл custom с неположительным интервалом в днях.
	ErrInvalidCustomInterval = errors.New("custom billing interval must be positive")

	// ErrInvalidLeadDays — отрицательный срок упреждения в настройках напоминаний.
	ErrInvalidLeadDays = errors.New("reminder lead days must be non-negative")

	// ErrUpdateConflict — условное обновление проиграло гонку
	// параллельному продвижению той же подписки.
	ErrUpdateConflict = errors.New("subscription was updated concurrently")

	// ErrNotFound — запись отсутствует в хранилище.
	ErrNotFound = errors.New("not found")
)
