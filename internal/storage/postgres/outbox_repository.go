package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

const defaultPullLimit = 100

// OutboxRepository — очередь событий заказа в таблице order_events_outbox.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{pool: store.Pool()}
}

type outboxRow struct {
	ID          string     `db:"id"`
	OrderID     string     `db:"order_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

func (row outboxRow) message() domain.OutboxMessage {
	msg := domain.OutboxMessage{
		ID:        row.ID,
		OrderID:   row.OrderID,
		EventType: row.EventType,
		Payload:   row.Payload,
		Status:    domain.OutboxStatus(row.Status),
		LastError: row.LastError,
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.PublishedAt != nil {
		msg.PublishedAt = row.PublishedAt.UTC()
	}
	return msg
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = domain.OutboxPending

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO order_events_outbox (id, order_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.OrderID, msg.EventType, nullableJSON(msg.Payload), msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, event_type, payload, status, last_error, created_at, published_at
		FROM order_events_outbox
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[outboxRow])
	if err != nil {
		return nil, fmt.Errorf("scan outbox messages: %w", err)
	}

	out := make([]domain.OutboxMessage, 0, len(found))
	for _, row := range found {
		out = append(out, row.message())
	}
	return out, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'failed'),
			min(created_at) FILTER (WHERE status = 'pending')
		FROM order_events_outbox`).Scan(&stats.Pending, &stats.Failed, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		stats.OldestPendingAt = oldest.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.resolve(ctx, id, `
		UPDATE order_events_outbox SET status = 'sent', published_at = NOW()
		WHERE id = $1`)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.resolve(ctx, id, `
		UPDATE order_events_outbox SET status = 'failed', last_error = $2
		WHERE id = $1`, reason)
}

func (r *OutboxRepository) resolve(ctx context.Context, id, query string, extra ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, append([]any{id}, extra...)...)
	if err != nil {
		return fmt.Errorf("update outbox message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrOutboxPublish)
	}
	return nil
}

// nullableJSON превращает пустой payload в NULL: пустая строка не является JSON.
func nullableJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
