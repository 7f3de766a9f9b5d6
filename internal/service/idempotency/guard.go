package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// DefaultTTL: сколько хранится результат запроса по ключу.
const DefaultTTL = 24 * time.Hour

// MaxKeyLength ограничивает длину ключа идемпотентности.
const MaxKeyLength = 128

var (
	// ErrInFlight: запрос с этим ключом ещё выполняется.
	ErrInFlight = errors.New("request with this idempotency key is still in progress")
	// ErrKeyTooLong: ключ длиннее MaxKeyLength.
	ErrKeyTooLong = fmt.Errorf("idempotency key is longer than %d characters", MaxKeyLength)
)

// Handler выполняет запрос и возвращает итог для сохранения.
// Ошибка означает временный сбой: ключ освобождается и повтор выполнится заново.
type Handler func(ctx context.Context) (domain.IdempotencyOutcome, error)

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт срок хранения результата.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardClock подменяет часы.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGuardLogger подменяет logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Guard выполняет запрос не больше одного раза на ключ и отдаёт сохранённый итог повторам.
// Guard не знает транспорта: кодирование ответа в Outcome делает вызывающий.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard поверх репозитория ключей.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "idempotency-guard"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Execute выполняет fn под ключом key.
// Пустой key отключает защиту. Для завершённого ключа fn не вызывается: возвращается
// сохранённый итог и replayed=true. Тот же ключ с другим отпечатком даёт
// domain.ErrIdempotencyHashMismatch, незавершённый ключ даёт ErrInFlight.
func (g *Guard) Execute(ctx context.Context, key, fingerprint string, fn Handler) (outcome domain.IdempotencyOutcome, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" || g == nil || g.repo == nil {
		outcome, err = fn(ctx)
		return outcome, false, err
	}
	if len(key) > MaxKeyLength {
		return domain.IdempotencyOutcome{}, false, ErrKeyTooLong
	}

	rec, err := g.repo.Reserve(ctx, key, fingerprint, g.now().Add(g.ttl))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if rec.Status.Settled() {
			return rec.Outcome(), true, nil
		}
		return domain.IdempotencyOutcome{}, false, ErrInFlight
	default:
		return domain.IdempotencyOutcome{}, false, err
	}

	logger := g.logger.WithField("idempotency_key", key)
	// сохранение итога не должно зависеть от отмены клиентского запроса
	persistCtx := context.WithoutCancel(ctx)

	outcome, err = fn(ctx)
	if err != nil || !outcome.Status.Settled() {
		if relErr := g.repo.Release(persistCtx, key); relErr != nil {
			logger.WithError(relErr).Warn("не удалось освободить ключ идемпотентности")
		}
		return outcome, false, err
	}

	if err := g.repo.Complete(persistCtx, key, outcome); err != nil {
		logger.WithError(err).Warn("не удалось сохранить итог запроса")
		if relErr := g.repo.Release(persistCtx, key); relErr != nil {
			logger.WithError(relErr).Warn("не удалось освободить ключ идемпотентности")
		}
	}
	return outcome, false, nil
}

// Fingerprint хэширует части запроса в отпечаток для сравнения повторов.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
