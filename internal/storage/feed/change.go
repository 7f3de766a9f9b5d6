package feed

import (
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// Операции над документом.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change описывает изменение одного документа: createdAt до и после.
// Для вставки нет старого значения, для удаления нового.
type Change struct {
	Op           string `json:"op"`
	ID           string `json:"id"`
	OldCreatedAt *int64 `json:"old_created_at"`
	NewCreatedAt *int64 `json:"new_created_at"`
}

// Inserted строит изменение для новой записи.
func Inserted(id string, createdAt int64) Change {
	return Change{Op: OpInsert, ID: id, NewCreatedAt: &createdAt}
}

// Updated строит изменение для обновлённой записи.
func Updated(id string, oldCreatedAt, newCreatedAt int64) Change {
	return Change{Op: OpUpdate, ID: id, OldCreatedAt: &oldCreatedAt, NewCreatedAt: &newCreatedAt}
}

// Deleted строит изменение для удалённой записи.
func Deleted(id string, createdAt int64) Change {
	return Change{Op: OpDelete, ID: id, OldCreatedAt: &createdAt}
}

// Relevant сообщает, мог ли результат фильтра измениться.
// Изменение без известного createdAt считается значимым для всех.
func (c Change) Relevant(filter domain.Filter) bool {
	if filter.IsAll() {
		return true
	}
	if c.OldCreatedAt == nil && c.NewCreatedAt == nil {
		return true
	}
	if c.OldCreatedAt != nil && filter.Matches(*c.OldCreatedAt) {
		return true
	}
	return c.NewCreatedAt != nil && filter.Matches(*c.NewCreatedAt)
}

// ParseChange разбирает полезную нагрузку уведомления store.
func ParseChange(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("parse change payload: %w", err)
	}
	return change, nil
}
