// Package clock предоставляет источник текущего времени в таймзоне сервиса.
// Интерфейс нужен, чтобы подменять "сейчас" в тестах планировщика.
package clock

import "time"

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// Real — системные часы, переведённые в заданную таймзону.
type Real struct {
	loc *time.Location
}

// NewReal создает часы в таймзоне timezone, например "Europe/Moscow" или "UTC".
func NewReal(timezone string) (*Real, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Real{loc: loc}, nil
}

// Now возвращает текущее время в таймзоне сервиса.
func (c *Real) Now() time.Time {
	return time.Now().In(c.loc)
}
