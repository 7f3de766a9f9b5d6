package domain

import (
	"fmt"
	"time"
)

// IdempotencyStatus — стадия обработки запроса с ключом идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// ParseIdempotencyStatus разбирает значение, прочитанное из хранилища.
func ParseIdempotencyStatus(raw string) (IdempotencyStatus, error) {
	switch s := IdempotencyStatus(raw); s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown idempotency status %q", raw)
	}
}

// Settled сообщает, что обработка закончилась и результат можно отдавать повторно.
func (s IdempotencyStatus) Settled() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyOutcome: сохраняемый итог запроса.
// Code трактуется транспортом: gRPC пишет codes.Code, HTTP пишет статус ответа.
type IdempotencyOutcome struct {
	Status IdempotencyStatus
	Code   int
	Body   []byte
}

// IdempotencyRecord — состояние ключа идемпотентности.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	Status      IdempotencyStatus
	Code        int
	Body        []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired сообщает, что запись больше не защищает ключ.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Outcome возвращает сохранённый итог записи.
func (r IdempotencyRecord) Outcome() IdempotencyOutcome {
	return IdempotencyOutcome{Status: r.Status, Code: r.Code, Body: r.Body}
}
