package httpapi

import (
	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/viewmodel"
)

type itemJSON struct {
	Filling  string `json:"filling"`
	Label    string `json:"label,omitempty"`
	Quantity int    `json:"quantity"`
}

type orderJSON struct {
	ID            string     `json:"id"`
	CustomerName  string     `json:"customer_name"`
	Items         []itemJSON `json:"items"`
	TotalQuantity int        `json:"total_quantity"`
	Status        string     `json:"status"`
	CreatedAt     int64      `json:"created_at"`
}

type viewJSON struct {
	Filter        string         `json:"filter"`
	Orders        []orderJSON    `json:"orders"`
	TotalQuantity int            `json:"total_quantity"`
	StatusCounts  map[string]int `json:"status_counts"`
	FillingTotals []itemJSON     `json:"filling_totals"`
	Error         string         `json:"error,omitempty"`
}

type createRequest struct {
	CustomerName string     `json:"customer_name"`
	Items        []itemJSON `json:"items"`
}

type patchRequest struct {
	CustomerName *string     `json:"customer_name"`
	Items        *[]itemJSON `json:"items"`
	Status       *string     `json:"status"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type createdResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error      string `json:"error"`
	NameError  bool   `json:"name_error,omitempty"`
	ItemsError bool   `json:"items_error,omitempty"`
}

type timelineJSON struct {
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

type fillingJSON struct {
	Slug  string `json:"slug"`
	Label string `json:"label"`
}

func toItemsJSON(items []domain.OrderItem) []itemJSON {
	out := make([]itemJSON, 0, len(items))
	for _, item := range items {
		out = append(out, itemJSON{
			Filling:  string(item.Filling),
			Label:    item.Filling.Label(),
			Quantity: item.Quantity,
		})
	}
	return out
}

func fromItemsJSON(items []itemJSON) ([]domain.OrderItem, error) {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		filling, err := domain.ParseFilling(item.Filling)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.OrderItem{Filling: filling, Quantity: item.Quantity})
	}
	return out, nil
}

func toOrderJSON(order domain.Order) orderJSON {
	return orderJSON{
		ID:            order.ID,
		CustomerName:  order.CustomerName,
		Items:         toItemsJSON(order.Items),
		TotalQuantity: order.TotalQuantity,
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt,
	}
}

func toViewJSON(view viewmodel.View) viewJSON {
	out := viewJSON{
		Filter:        view.Filter.String(),
		Orders:        make([]orderJSON, 0, len(view.Orders)),
		TotalQuantity: view.TotalQuantity,
		StatusCounts:  make(map[string]int, len(view.StatusCounts)),
		FillingTotals: make([]itemJSON, 0, len(view.FillingTotals)),
	}
	for _, order := range view.Orders {
		out.Orders = append(out.Orders, toOrderJSON(order))
	}
	for status, n := range view.StatusCounts {
		out.StatusCounts[string(status)] = n
	}
	for _, total := range view.FillingTotals {
		out.FillingTotals = append(out.FillingTotals, itemJSON{
			Filling:  string(total.Filling),
			Label:    total.Label,
			Quantity: total.Quantity,
		})
	}
	if view.Err != nil {
		out.Error = view.Err.Error()
	}
	return out
}
