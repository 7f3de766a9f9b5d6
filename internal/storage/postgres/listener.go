package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/storage/feed"
)

const (
	notifyChannel = "bakery_orders_changed"

	listenerMinBackoff = 100 * time.Millisecond
	listenerMaxBackoff = 5 * time.Second
)

// listener пересылает уведомления триггера orders в хаб подписок.
type listener struct {
	connect func(context.Context) (*pgx.Conn, error)
	hub     *feed.Hub
	logger  *log.Entry
}

func newListener(connect func(context.Context) (*pgx.Conn, error), hub *feed.Hub, logger *log.Entry) *listener {
	return &listener{connect: connect, hub: hub, logger: logger}
}

// run переподключается с удвоением паузы до отмены ctx.
// После каждого подключения все подписки перечитываются: уведомления за время разрыва потеряны.
func (l *listener) run(ctx context.Context) {
	backoff := listenerMinBackoff
	for {
		err := l.session(ctx, func() { backoff = listenerMinBackoff })
		if ctx.Err() != nil {
			return
		}
		l.logger.WithError(err).WithField("retry_in", backoff).Warn("соединение LISTEN потеряно, переподключаемся")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, listenerMaxBackoff)
	}
}

func (l *listener) session(ctx context.Context, connected func()) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	connected()
	l.logger.WithField("channel", notifyChannel).Info("слушатель изменений заказов подключён")
	l.hub.RefreshAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		change, err := feed.ParseChange(n.Payload)
		if err != nil {
			l.logger.WithError(err).Warn("некорректное уведомление, перечитываем все подписки")
			l.hub.RefreshAll()
			continue
		}
		l.hub.Notify(change)
	}
}
