package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation: корневая ошибка для всех нарушений валидации.
	ErrValidation = errors.New("validation failed")
	// ErrCustomerNameRequired: имя клиента пустое после обрезки пробелов.
	ErrCustomerNameRequired = errors.New("customer name is required")
	// ErrItemsRequired: в заказе нет ни одной позиции.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrItemQuantityInvalid: количество в позиции меньше единицы.
	ErrItemQuantityInvalid = errors.New("item quantity must be at least 1")
	// ErrFillingUnknown: начинки нет в каталоге.
	ErrFillingUnknown = errors.New("unknown filling")
	// ErrFillingDuplicate: одна начинка встречается в заказе дважды.
	ErrFillingDuplicate = errors.New("duplicate filling in order items")
	// ErrTotalQuantityMismatch: кэш TotalQuantity разошёлся с суммой позиций.
	ErrTotalQuantityMismatch = errors.New("total quantity does not match items sum")
	// ErrStatusInvalid: статус вне перечня queued/in_progress/done.
	ErrStatusInvalid = errors.New("invalid order status")
	// ErrCreatedAtRequired: у сохранённого заказа нет времени создания.
	ErrCreatedAtRequired = errors.New("created_at is required")
	// ErrOrderIDRequired: операция требует идентификатор заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в store.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPersistence: store не смог выполнить запись или чтение.
	ErrPersistence = errors.New("persistence failure")
	// ErrStoreClosed: операция над закрытым store.
	ErrStoreClosed = errors.New("order store is closed")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyFingerprintRequired = errors.New("idempotency fingerprint is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ValidationError описывает отказ формы: оба флага выставляются независимо,
// чтобы пользователь видел все проблемы сразу.
type ValidationError struct {
	NameMissing  bool
	ItemsMissing bool
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.NameMissing {
		parts = append(parts, "customer name is required")
	}
	if e.ItemsMissing {
		parts = append(parts, "at least one item is required")
	}
	if len(parts) == 0 {
		return ErrValidation.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is позволяет сравнивать через errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError — обновление адресовано документу, которого уже нет.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrOrderNotFound
}

// PersistenceError оборачивает сбой store при записи.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation проверяет, является ли ошибка ошибкой валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound проверяет, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsPersistence проверяет, что это сбой store.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsIdempotencyConflict проверяет, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
