package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/storage/feed"
)

// itemRecord — форма позиции в JSONB-колонке items.
type itemRecord struct {
	Filling  string `json:"filling"`
	Quantity int    `json:"quantity"`
}

type orderRow struct {
	ID            string       `db:"id"`
	CustomerName  string       `db:"customer_name"`
	Items         []itemRecord `db:"items"`
	TotalQuantity int          `db:"total_quantity"`
	Status        string       `db:"status"`
	CreatedAt     int64        `db:"created_at"`
}

func (row orderRow) order() domain.Order {
	items := make([]domain.OrderItem, 0, len(row.Items))
	for _, it := range row.Items {
		items = append(items, domain.OrderItem{Filling: domain.Filling(it.Filling), Quantity: it.Quantity})
	}
	return domain.Order{
		ID:            row.ID,
		CustomerName:  row.CustomerName,
		Items:         items,
		TotalQuantity: row.TotalQuantity,
		Status:        domain.OrderStatus(row.Status),
		CreatedAt:     row.CreatedAt,
	}
}

// OrderStore: domain.OrderStore поверх таблицы orders.
// Живые подписки питаются уведомлениями LISTEN/NOTIFY из триггера на таблице.
type OrderStore struct {
	pool     *pgxpool.Pool
	hub      *feed.Hub
	listener *listener
	stop     context.CancelFunc
	stopped  chan struct{}
}

// OrderStoreOption настраивает OrderStore.
type OrderStoreOption func(*orderStoreConfig)

type orderStoreConfig struct {
	logger  *log.Entry
	feedOps []feed.Option
}

// WithOrderStoreLogger задаёт логгер хранилища и слушателя.
func WithOrderStoreLogger(logger *log.Entry) OrderStoreOption {
	return func(c *orderStoreConfig) { c.logger = logger }
}

// WithFeedOptions передаёт опции хабу подписок.
func WithFeedOptions(opts ...feed.Option) OrderStoreOption {
	return func(c *orderStoreConfig) { c.feedOps = append(c.feedOps, opts...) }
}

// NewOrderStore запускает слушателя уведомлений. Пул остаётся во владении store.
func NewOrderStore(store *Store, opts ...OrderStoreOption) *OrderStore {
	cfg := orderStoreConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "postgres-order-store")
	}

	s := &OrderStore{pool: store.Pool(), stopped: make(chan struct{})}
	s.hub = feed.NewHub(s.load, append([]feed.Option{feed.WithLogger(cfg.logger)}, cfg.feedOps...)...)
	s.listener = newListener(store.dedicatedConn, s.hub, cfg.logger)

	ctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	go func() {
		defer close(s.stopped)
		s.listener.run(ctx)
	}()
	return s
}

func (s *OrderStore) Insert(ctx context.Context, order domain.Order) (string, error) {
	items, err := encodeItems(order.Items)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, customer_name, items, total_quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, order.CustomerName, items, order.TotalQuantity, string(order.Status), order.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return "", fmt.Errorf("insert order %s: duplicate id: %w", id, err)
	case err != nil:
		return "", fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// Patch обновляет только переданные поля. Пустой патч лишь проверяет, что заказ есть.
func (s *OrderStore) Patch(ctx context.Context, id string, patch domain.OrderPatch, totalQuantity *int) error {
	args := pgx.NamedArgs{"id": id}
	var sets []string
	if patch.CustomerName != nil {
		args["customer_name"] = *patch.CustomerName
		sets = append(sets, "customer_name = @customer_name")
	}
	if patch.Items != nil {
		items, err := encodeItems(patch.Items)
		if err != nil {
			return err
		}
		args["items"] = items
		sets = append(sets, "items = @items")
	}
	if totalQuantity != nil {
		args["total_quantity"] = *totalQuantity
		sets = append(sets, "total_quantity = @total_quantity")
	}
	if patch.Status != nil {
		args["status"] = string(*patch.Status)
		sets = append(sets, "status = @status")
	}

	query := "SELECT 1 FROM orders WHERE id = @id"
	if len(sets) > 0 {
		query = "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE id = @id"
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("patch order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (s *OrderStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

func (s *OrderStore) Watch(filter domain.Filter, handler domain.SnapshotHandler) (domain.Unsubscribe, error) {
	return s.hub.Subscribe(filter, handler)
}

func (s *OrderStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close останавливает слушателя и отключает подписки.
func (s *OrderStore) Close() error {
	s.stop()
	<-s.stopped
	s.hub.Close()
	return nil
}

func (s *OrderStore) load(ctx context.Context, filter domain.Filter) ([]domain.Order, error) {
	query := `SELECT id, customer_name, items, total_quantity, status, created_at FROM orders`
	var args []any
	if from, to, ok := filter.Range(); ok {
		query += ` WHERE created_at BETWEEN $1 AND $2`
		args = append(args, from, to)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[orderRow])
	if err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(found))
	for _, row := range found {
		orders = append(orders, row.order())
	}
	return orders, nil
}

func encodeItems(items []domain.OrderItem) ([]byte, error) {
	records := make([]itemRecord, 0, len(items))
	for _, item := range items {
		records = append(records, itemRecord{Filling: string(item.Filling), Quantity: item.Quantity})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode order items: %w", err)
	}
	return raw, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
