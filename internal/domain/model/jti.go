package model

import "time"

// JTIRecord — факт первого предъявления идентификатора токена/квитанции.
// Хранится в таблице jti_records; jti — первичный ключ.
type JTIRecord struct {
	// JTI — непрозрачный идентификатор
	JTI string `db:"jti"`
	// ExpAt — абсолютное время истечения
	ExpAt time.Time `db:"exp_at"`
}

// Expired сообщает, истекла ли запись к моменту now.
func (r *JTIRecord) Expired(now time.Time) bool {
	return r.ExpAt.Before(now)
}
