package idempotency_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/storage/memory"
)

func created(body string) idempotency.Handler {
	return func(context.Context) (domain.IdempotencyOutcome, error) {
		return domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone, Code: 201, Body: []byte(body)}, nil
	}
}

func TestGuard_ReplaysSettledOutcome(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.WithGuardLogger(quietLogger()))

	calls := 0
	fn := func(ctx context.Context) (domain.IdempotencyOutcome, error) {
		calls++
		return created(`{"id":"o-1"}`)(ctx)
	}

	first, replayed, err := guard.Execute(ctx, "key-1", "fp", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, first.Code)

	second, replayed, err := guard.Execute(ctx, "key-1", "fp", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	_, _, err = guard.Execute(ctx, "key-1", "other", fn)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestGuard_FailedOutcomeIsReplayedToo(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository())
	rejected := func(context.Context) (domain.IdempotencyOutcome, error) {
		return domain.IdempotencyOutcome{Status: domain.IdempotencyStatusFailed, Code: 400, Body: []byte("bad items")}, nil
	}

	_, _, err := guard.Execute(ctx, "k", "fp", rejected)
	require.NoError(t, err)
	out, replayed, err := guard.Execute(ctx, "k", "fp", created("never"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, domain.IdempotencyStatusFailed, out.Status)
	assert.Equal(t, "bad items", string(out.Body))
}

func TestGuard_TransientFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := idempotency.NewGuard(repo, idempotency.WithGuardLogger(quietLogger()))
	unavailable := errors.New("store unavailable")

	_, _, err := guard.Execute(ctx, "k", "fp", func(context.Context) (domain.IdempotencyOutcome, error) {
		return domain.IdempotencyOutcome{}, unavailable
	})
	assert.ErrorIs(t, err, unavailable)
	_, err = repo.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	out, replayed, err := guard.Execute(ctx, "k", "fp", created("ok"))
	require.NoError(t, err)
	assert.False(t, replayed, "после сбоя запрос выполняется заново")
	assert.Equal(t, "ok", string(out.Body))
}

func TestGuard_InFlightAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := memory.NewIdempotencyRepository(memory.WithIdempotencyClock(clock))
	guard := idempotency.NewGuard(repo, idempotency.WithTTL(time.Minute), idempotency.WithGuardClock(clock))

	_, err := repo.Reserve(ctx, "busy", "fp", now.Add(time.Minute))
	require.NoError(t, err)
	_, _, err = guard.Execute(ctx, "busy", "fp", created("x"))
	assert.ErrorIs(t, err, idempotency.ErrInFlight)

	_, _, err = guard.Execute(ctx, "k", "fp", created("first"))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	out, replayed, err := guard.Execute(ctx, "k", "fp", created("second"))
	require.NoError(t, err)
	assert.False(t, replayed, "просроченный ключ выполняется заново")
	assert.Equal(t, "second", string(out.Body))
}

func TestGuard_KeyRules(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository())

	calls := 0
	fn := func(ctx context.Context) (domain.IdempotencyOutcome, error) {
		calls++
		return created("x")(ctx)
	}
	for range [2]struct{}{} {
		_, replayed, err := guard.Execute(ctx, "  ", "fp", fn)
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls, "без ключа защиты нет")

	_, _, err := guard.Execute(ctx, strings.Repeat("k", idempotency.MaxKeyLength+1), "fp", fn)
	assert.ErrorIs(t, err, idempotency.ErrKeyTooLong)

	var unset *idempotency.Guard
	_, _, err = unset.Execute(ctx, "k", "fp", fn)
	assert.NoError(t, err)
}

func TestFingerprint(t *testing.T) {
	a := idempotency.Fingerprint([]byte("POST"), []byte("/api/orders"), []byte(`{}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, idempotency.Fingerprint([]byte("POST"), []byte("/api/orders"), []byte(`{}`)))
	assert.NotEqual(t, a, idempotency.Fingerprint([]byte("POST/api/orders"), []byte(`{}`)), "границы частей учитываются")
}
