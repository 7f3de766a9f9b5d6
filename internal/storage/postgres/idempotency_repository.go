package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

const idempotencyColumns = `key, fingerprint, status, code, body, expires_at, created_at, updated_at`

// IdempotencyRepository хранит ключи идемпотентности в idempotency_keys.
// NULL в expires_at означает бессрочный ключ.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{pool: store.Pool()}
}

type idempotencyRow struct {
	Key         string     `db:"key"`
	Fingerprint string     `db:"fingerprint"`
	Status      string     `db:"status"`
	Code        int        `db:"code"`
	Body        []byte     `db:"body"`
	ExpiresAt   *time.Time `db:"expires_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (row idempotencyRow) record() (domain.IdempotencyRecord, error) {
	status, err := domain.ParseIdempotencyStatus(row.Status)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec := domain.IdempotencyRecord{
		Key:         row.Key,
		Fingerprint: row.Fingerprint,
		Status:      status,
		Code:        row.Code,
		Body:        row.Body,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if row.ExpiresAt != nil {
		rec.ExpiresAt = row.ExpiresAt.UTC()
	}
	return rec, nil
}

// Reserve вставляет ключ или перезанимает просроченный одним запросом;
// если строка не вернулась, ключ держит живая запись.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key, fingerprint string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, fingerprint = strings.TrimSpace(key), strings.TrimSpace(fingerprint)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case fingerprint == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyFingerprintRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec, err := r.one(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, expires_at)
		VALUES ($1, $2, 'processing', $3)
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			status      = 'processing',
			code        = 0,
			body        = NULL,
			expires_at  = EXCLUDED.expires_at,
			created_at  = NOW(),
			updated_at  = NOW()
		WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		RETURNING `+idempotencyColumns, key, fingerprint, nullableTime(expiresAt))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	held, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if held.Fingerprint != fingerprint {
		return held, domain.ErrIdempotencyHashMismatch
	}
	return held, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec, err := r.one(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, strings.TrimSpace(key))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys SET status = $2, code = $3, body = $4, updated_at = NOW()
		WHERE key = $1`,
		strings.TrimSpace(key), string(outcome.Status), outcome.Code, outcome.Body)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired удаляет сначала самые старые записи; limit <= 0 снимает ограничение.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit < 0 {
		limit = 0
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT NULLIF($2::int, 0)
		)`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *IdempotencyRepository) one(ctx context.Context, query string, args ...any) (domain.IdempotencyRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[idempotencyRow])
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return row.record()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
