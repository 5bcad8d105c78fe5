// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrWriteConflict — оптимистичная запись не удалась после всех попыток.
	// Повторяемая на уровне вызывающего.
	ErrWriteConflict = errors.New("конфликт записи: список изменён конкурентно")
	// ErrVersionMismatch — условная запись не затронула строк (etag устарел).
	// Сигнал для RetryOptimistic, наружу не выходит.
	ErrVersionMismatch = errors.New("версия изменилась между чтением и записью")
	// ErrCorruptList — сохранённое представление списка повреждено.
	ErrCorruptList = errors.New("повреждённое представление списка статусов")
)
