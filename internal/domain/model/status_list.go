package model

import (
	"fmt"
	"strings"
	"time"
)

// Purpose — назначение списка статусов.
type Purpose string

const (
	// PurposeRevocation — отзыв (необратимый по смыслу, бит = отозван).
	PurposeRevocation Purpose = "revocation"
	// PurposeSuspension — приостановка (бит = приостановлен).
	PurposeSuspension Purpose = "suspension"
)

// ParsePurpose разбирает назначение списка. Регистр не учитывается.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(strings.ToLower(strings.TrimSpace(s))); p {
	case PurposeRevocation, PurposeSuspension:
		return p, nil
	default:
		return "", fmt.Errorf("недопустимое назначение списка %q, допустимые: revocation, suspension", s)
	}
}

// StatusList — версионированный битовый список статусов.
// Хранится в таблице status_lists, одна строка на (purpose, list id).
type StatusList struct {
	// ID — UUID записи
	ID string `db:"id"`
	// URL — канонический разрешимый идентификатор списка (уникален)
	URL string `db:"url"`
	// Purpose — revocation или suspension
	Purpose Purpose `db:"purpose"`
	// Bitstring — сжатое представление (GZIP + multibase base64url)
	Bitstring string `db:"bitstring"`
	// Size — ёмкость в битах, неизменна после создания
	Size int `db:"size"`
	// ETag — версия содержимого, меняется при каждой успешной мутации
	ETag string `db:"etag"`
	// CreatedAt — время создания записи
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time `db:"updated_at"`
}
