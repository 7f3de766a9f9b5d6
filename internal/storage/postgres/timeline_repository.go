package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// TimelineRepository пишет таймлайн заказов в order_timeline.
type TimelineRepository struct {
	pool *pgxpool.Pool
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{pool: store.Pool()}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if strings.TrimSpace(event.OrderID) == "" {
		return domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO order_timeline (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, event.Occurred.UTC())
	if err != nil {
		return fmt.Errorf("append timeline event for %s: %w", event.OrderID, err)
	}
	return nil
}

// List упорядочивает по времени, затем по порядку вставки.
func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT order_id, type, reason, occurred
		FROM order_timeline
		WHERE order_id = $1
		ORDER BY occurred, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline of %s: %w", orderID, err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TimelineEvent, error) {
		var (
			ev       domain.TimelineEvent
			occurred time.Time
		)
		err := row.Scan(&ev.OrderID, &ev.Type, &ev.Reason, &occurred)
		ev.Occurred = occurred.UTC()
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan timeline of %s: %w", orderID, err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
