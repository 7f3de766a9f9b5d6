package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testStore открывает базу из BAKERY_POSTGRES_TEST_DSN; без переменной тест пропускается.
// При migrated=true схема доводится до последней версии, а таблицы очищаются.
func testStore(t *testing.T, migrated bool) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("BAKERY_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("BAKERY_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if migrated {
		require.NoError(t, store.MigrateUp(ctx, 0))
		_, err = store.Pool().Exec(ctx, `
			TRUNCATE idempotency_keys, order_events_outbox, order_timeline, orders
			RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
	}
	return store
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
