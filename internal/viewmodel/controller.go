package viewmodel

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// ErrDeleteDeclined возвращается, когда пользователь не подтвердил удаление.
var ErrDeleteDeclined = errors.New("delete was not confirmed")

// Controller превращает действия пользователя в вызовы репозитория.
// Ошибки не повторяются автоматически: пользователь получает уведомление и может повторить сам.
type Controller struct {
	repo     Repository
	notifier Notifier
	logger   *log.Entry
}

// NewController создаёт контроллер. notifier может быть nil.
func NewController(repo Repository, notifier Notifier, logger *log.Entry) *Controller {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	if logger == nil {
		logger = log.WithField("component", "order-view-model")
	}
	return &Controller{repo: repo, notifier: notifier, logger: logger}
}

// Submit проверяет форму и отправляет её в Create или Update.
// При успехе форма закрывается, при ошибке остаётся открытой.
func (c *Controller) Submit(ctx context.Context, form *Form) error {
	if form == nil {
		return domain.ErrValidation
	}
	if err := form.Validate(); err != nil {
		c.logger.WithFields(log.Fields{
			"op":          "submit",
			"name_error":  form.NameError,
			"items_error": form.ItemsError,
		}).Debug("form rejected by validation")
		return err
	}

	var (
		op      string
		orderID string
		err     error
	)
	if form.IsEdit() {
		op = "update"
		orderID = strings.TrimSpace(form.EditID)
		err = c.repo.Update(ctx, orderID, form.Draft.Patch())
	} else {
		op = "create"
		orderID, err = c.repo.Create(ctx, form.Draft)
	}
	if err != nil {
		c.fail(op, orderID, err)
		return err
	}

	form.SavedID = orderID
	form.close()
	c.notifier.Notify(Notice{Level: NoticeInfo, Op: op, OrderID: orderID, Message: successMessage(op)})
	return nil
}

// RequestStatusChange меняет статус заказа.
func (c *Controller) RequestStatusChange(ctx context.Context, id string, status domain.OrderStatus) error {
	if err := c.repo.UpdateStatus(ctx, id, status); err != nil {
		c.fail("update_status", id, err)
		return err
	}
	return nil
}

// RequestDelete удаляет заказ только после явного подтверждения.
// Повторное удаление того же заказа ошибкой не является.
func (c *Controller) RequestDelete(ctx context.Context, id string, confirmer Confirmer) error {
	if confirmer == nil || !confirmer.ConfirmDelete(ctx, id) {
		c.logger.WithFields(log.Fields{"op": "remove", "order_id": id}).Debug("delete declined")
		return ErrDeleteDeclined
	}
	if err := c.repo.Remove(ctx, id); err != nil {
		c.fail("remove", id, err)
		return err
	}
	return nil
}

func (c *Controller) fail(op, orderID string, err error) {
	entry := c.logger.WithError(err).WithField("op", op)
	if orderID != "" {
		entry = entry.WithField("order_id", orderID)
	}
	entry.Warn("order action failed")

	c.notifier.Notify(Notice{
		Level:   NoticeError,
		Op:      op,
		OrderID: orderID,
		Message: failureMessage(err),
		Err:     err,
	})
}

func successMessage(op string) string {
	if op == "update" {
		return "order updated"
	}
	return "order created"
}

func failureMessage(err error) string {
	switch {
	case domain.IsNotFound(err):
		return "order no longer exists"
	case domain.IsValidation(err):
		return "order data is invalid"
	default:
		return "could not save changes, please try again"
	}
}
