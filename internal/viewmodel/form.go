package viewmodel

import (
	"strings"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// Form хранит контекст редактирования: черновик, флаги ошибок и признак открытости.
// Пустой EditID означает создание нового заказа.
type Form struct {
	EditID string
	Draft  domain.Draft
	// SavedID: id заказа после успешной отправки.
	SavedID    string
	NameError  bool
	ItemsError bool
	Open       bool
}

// NewForm открывает пустую форму создания.
func NewForm() *Form {
	return &Form{Open: true}
}

// EditForm открывает форму редактирования существующего заказа.
func EditForm(order domain.Order) *Form {
	return &Form{
		EditID: order.ID,
		Draft:  domain.DraftFromOrder(order),
		Open:   true,
	}
}

// IsEdit сообщает, редактирует ли форма существующий заказ.
func (f *Form) IsEdit() bool {
	return strings.TrimSpace(f.EditID) != ""
}

// Validate выставляет оба флага независимо и возвращает *domain.ValidationError, если форма невалидна.
func (f *Form) Validate() error {
	err := f.Draft.Validate()
	f.NameError, f.ItemsError = false, false
	if err == nil {
		return nil
	}
	if vErr, ok := err.(*domain.ValidationError); ok {
		f.NameError = vErr.NameMissing
		f.ItemsError = vErr.ItemsMissing
	}
	return err
}

func (f *Form) close() {
	f.Open = false
	f.NameError, f.ItemsError = false, false
}
