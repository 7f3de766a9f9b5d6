package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

const defaultPullLimit = 100

// OutboxRepository: очередь событий для драйвера memory.
// Сообщения лежат в порядке постановки; отправленные и упавшие остаются в журнале.
type OutboxRepository struct {
	mu    sync.Mutex
	queue []domain.OutboxMessage
	index map[string]int
	now   func() time.Time
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		index: make(map[string]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := r.index[msg.ID]; dup {
		return domain.OutboxMessage{}, fmt.Errorf("outbox message %s already enqueued", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.Status = domain.OutboxPending
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.index[msg.ID] = len(r.queue)
	r.queue = append(r.queue, msg)
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPullLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.OutboxMessage
	for _, msg := range r.queue {
		if msg.Status != domain.OutboxPending {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, msg := range r.queue {
		switch msg.Status {
		case domain.OutboxFailed:
			stats.Failed++
		case domain.OutboxPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = msg.CreatedAt
			}
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.resolve(ctx, id, func(msg *domain.OutboxMessage) {
		msg.Status = domain.OutboxSent
		msg.PublishedAt = r.now()
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.resolve(ctx, id, func(msg *domain.OutboxMessage) {
		msg.Status = domain.OutboxFailed
		msg.LastError = reason
	})
}

func (r *OutboxRepository) resolve(ctx context.Context, id string, apply func(*domain.OutboxMessage)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[id]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrOutboxPublish)
	}
	apply(&r.queue[pos])
	return nil
}

// Messages возвращает копию журнала вместе со статусами.
func (r *OutboxRepository) Messages() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OutboxMessage(nil), r.queue...)
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
