package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// IdempotencyRepository хранит ключи идемпотентности в памяти процесса.
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// IdempotencyOption настраивает IdempotencyRepository.
type IdempotencyOption func(*IdempotencyRepository)

// WithIdempotencyClock подменяет часы; нужно для проверки истечения ключей.
func WithIdempotencyClock(now func() time.Time) IdempotencyOption {
	return func(r *IdempotencyRepository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewIdempotencyRepository(opts ...IdempotencyOption) *IdempotencyRepository {
	r := &IdempotencyRepository{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, key, fingerprint string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	key, fingerprint = strings.TrimSpace(key), strings.TrimSpace(fingerprint)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case fingerprint == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyFingerprintRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if held, ok := r.records[key]; ok && !held.Expired(now) {
		if held.Fingerprint != fingerprint {
			return copyRecord(held), domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(held), domain.ErrIdempotencyKeyAlreadyExists
	}

	rec := domain.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[key] = rec
	return rec, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[strings.TrimSpace(key)]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(rec), nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key = strings.TrimSpace(key)
	rec, ok := r.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	rec.Status = outcome.Status
	rec.Code = outcome.Code
	rec.Body = slices.Clone(outcome.Body)
	rec.UpdatedAt = r.now()
	r.records[key] = rec
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, strings.TrimSpace(key))
	return nil
}

// DeleteExpired удаляет сначала самые старые записи, чтобы limit отсекал предсказуемо.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotencyRecord
	for _, rec := range r.records {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(before) {
			expired = append(expired, rec)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.records, rec.Key)
	}
	return len(expired), nil
}

func copyRecord(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.Body = slices.Clone(rec.Body)
	return rec
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
