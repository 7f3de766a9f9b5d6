package grpcsvc

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/viewmodel"
)

// Поля сообщений bakery.v1.OrderService.
const (
	fieldID            = "id"
	fieldCustomerName  = "customer_name"
	fieldItems         = "items"
	fieldFilling       = "filling"
	fieldLabel         = "label"
	fieldQuantity      = "quantity"
	fieldTotalQuantity = "total_quantity"
	fieldStatus        = "status"
	fieldCreatedAt     = "created_at"
	fieldDate          = "date"
	fieldConfirm       = "confirm"
	fieldOrders        = "orders"
	fieldStatusCounts  = "status_counts"
	fieldFillingTotals = "filling_totals"
	fieldFilter        = "filter"
	fieldError         = "error"
	fieldEvents        = "events"
	fieldType          = "type"
	fieldReason        = "reason"
	fieldOccurredAt    = "occurred_at"
)

// NewCreateRequest собирает запрос CreateOrder из черновика.
func NewCreateRequest(draft domain.Draft) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldCustomerName: draft.CustomerName,
		fieldItems:        itemsToList(draft.Items, false),
	})
}

// NewUpdateRequest собирает запрос UpdateOrder; отсутствующие в патче поля не передаются.
func NewUpdateRequest(id string, patch domain.OrderPatch) (*structpb.Struct, error) {
	fields := map[string]any{fieldID: id}
	if patch.CustomerName != nil {
		fields[fieldCustomerName] = *patch.CustomerName
	}
	if patch.Items != nil {
		fields[fieldItems] = itemsToList(patch.Items, false)
	}
	if patch.Status != nil {
		fields[fieldStatus] = string(*patch.Status)
	}
	return structpb.NewStruct(fields)
}

// NewStatusRequest собирает запрос UpdateOrderStatus.
func NewStatusRequest(id string, status domain.OrderStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{fieldID: id, fieldStatus: string(status)})
}

// NewDeleteRequest собирает запрос DeleteOrder.
func NewDeleteRequest(id string, confirm bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{fieldID: id, fieldConfirm: confirm})
}

// NewListRequest собирает запрос ListOrders/WatchOrders; пустая дата означает все заказы.
func NewListRequest(date string) (*structpb.Struct, error) {
	fields := map[string]any{}
	if date != "" {
		fields[fieldDate] = date
	}
	return structpb.NewStruct(fields)
}

// NewIDRequest собирает запрос с одним полем id.
func NewIDRequest(id string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{fieldID: id})
}

func draftFromRequest(req *structpb.Struct) (domain.Draft, error) {
	fields := req.GetFields()
	name := fields[fieldCustomerName].GetStringValue()

	items, err := itemsFromValue(fields[fieldItems])
	if err != nil {
		return domain.Draft{}, err
	}
	return domain.NewDraft(name, items), nil
}

func patchFromRequest(req *structpb.Struct) (domain.OrderPatch, error) {
	fields := req.GetFields()
	var patch domain.OrderPatch

	if v, ok := fields[fieldCustomerName]; ok {
		name := strings.TrimSpace(v.GetStringValue())
		patch.CustomerName = &name
	}
	if v, ok := fields[fieldItems]; ok {
		items, err := itemsFromValue(v)
		if err != nil {
			return domain.OrderPatch{}, err
		}
		if items == nil {
			items = []domain.OrderItem{}
		}
		patch.Items = items
	}
	if v, ok := fields[fieldStatus]; ok {
		status, err := domain.ParseOrderStatus(v.GetStringValue())
		if err != nil {
			return domain.OrderPatch{}, err
		}
		patch.Status = &status
	}
	return patch, nil
}

func itemsFromValue(v *structpb.Value) ([]domain.OrderItem, error) {
	if v == nil {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: items must be a list", domain.ErrValidation)
	}

	items := make([]domain.OrderItem, 0, len(list.GetValues()))
	for idx, raw := range list.GetValues() {
		fields := raw.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("%w: items[%d] must be an object", domain.ErrValidation, idx)
		}
		filling, err := domain.ParseFilling(fields[fieldFilling].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", idx, err)
		}
		qty := fields[fieldQuantity].GetNumberValue()
		if qty != math.Trunc(qty) || qty > math.MaxInt32 || qty < math.MinInt32 {
			return nil, fmt.Errorf("%w: items[%d].quantity must be an integer", domain.ErrItemQuantityInvalid, idx)
		}
		items = append(items, domain.OrderItem{Filling: filling, Quantity: int(qty)})
	}
	return items, nil
}

func itemsToList(items []domain.OrderItem, withLabel bool) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			fieldFilling:  string(item.Filling),
			fieldQuantity: item.Quantity,
		}
		if withLabel {
			entry[fieldLabel] = item.Filling.Label()
		}
		out = append(out, entry)
	}
	return out
}

func orderToMap(order domain.Order) map[string]any {
	return map[string]any{
		fieldID:            order.ID,
		fieldCustomerName:  order.CustomerName,
		fieldItems:         itemsToList(order.Items, true),
		fieldTotalQuantity: order.TotalQuantity,
		fieldStatus:        string(order.Status),
		fieldCreatedAt:     order.CreatedAt,
	}
}

// ViewToStruct кодирует View для ListOrders и WatchOrders.
func ViewToStruct(view viewmodel.View) (*structpb.Struct, error) {
	orders := make([]any, 0, len(view.Orders))
	for _, order := range view.Orders {
		orders = append(orders, orderToMap(order))
	}

	counts := make(map[string]any, len(view.StatusCounts))
	for status, n := range view.StatusCounts {
		counts[string(status)] = n
	}

	totals := make([]any, 0, len(view.FillingTotals))
	for _, total := range view.FillingTotals {
		totals = append(totals, map[string]any{
			fieldFilling:  string(total.Filling),
			fieldLabel:    total.Label,
			fieldQuantity: total.Quantity,
		})
	}

	fields := map[string]any{
		fieldFilter:        view.Filter.String(),
		fieldOrders:        orders,
		fieldTotalQuantity: view.TotalQuantity,
		fieldStatusCounts:  counts,
		fieldFillingTotals: totals,
	}
	if view.Err != nil {
		fields[fieldError] = view.Err.Error()
	}
	return structpb.NewStruct(fields)
}

// DecodeView разбирает ответ ListOrders/WatchOrders на стороне клиента.
func DecodeView(s *structpb.Struct) (viewmodel.View, error) {
	fields := s.GetFields()
	view := viewmodel.View{
		TotalQuantity: int(fields[fieldTotalQuantity].GetNumberValue()),
		StatusCounts:  make(map[domain.OrderStatus]int),
	}

	for _, raw := range fields[fieldOrders].GetListValue().GetValues() {
		order, err := decodeOrder(raw.GetStructValue())
		if err != nil {
			return viewmodel.View{}, err
		}
		view.Orders = append(view.Orders, order)
	}
	for status, n := range fields[fieldStatusCounts].GetStructValue().GetFields() {
		view.StatusCounts[domain.OrderStatus(status)] = int(n.GetNumberValue())
	}
	for _, raw := range fields[fieldFillingTotals].GetListValue().GetValues() {
		entry := raw.GetStructValue().GetFields()
		filling := domain.Filling(entry[fieldFilling].GetStringValue())
		view.FillingTotals = append(view.FillingTotals, viewmodel.FillingTotal{
			Filling:  filling,
			Label:    entry[fieldLabel].GetStringValue(),
			Quantity: int(entry[fieldQuantity].GetNumberValue()),
		})
	}
	if msg := fields[fieldError].GetStringValue(); msg != "" {
		view.Err = fmt.Errorf("%s", msg)
	}
	return view, nil
}

func decodeOrder(s *structpb.Struct) (domain.Order, error) {
	fields := s.GetFields()
	if fields == nil {
		return domain.Order{}, fmt.Errorf("order must be an object")
	}
	items, err := itemsFromValue(fields[fieldItems])
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:            fields[fieldID].GetStringValue(),
		CustomerName:  fields[fieldCustomerName].GetStringValue(),
		Items:         items,
		TotalQuantity: int(fields[fieldTotalQuantity].GetNumberValue()),
		Status:        domain.OrderStatus(fields[fieldStatus].GetStringValue()),
		CreatedAt:     int64(fields[fieldCreatedAt].GetNumberValue()),
	}, nil
}

func timelineToStruct(orderID string, events []domain.TimelineEvent) (*structpb.Struct, error) {
	list := make([]any, 0, len(events))
	for _, event := range events {
		list = append(list, map[string]any{
			fieldType:       event.Type,
			fieldReason:     event.Reason,
			fieldOccurredAt: event.Occurred.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewStruct(map[string]any{fieldID: orderID, fieldEvents: list})
}

// DecodeHistory разбирает ответ GetOrderHistory.
func DecodeHistory(s *structpb.Struct) ([]domain.TimelineEvent, error) {
	fields := s.GetFields()
	orderID := fields[fieldID].GetStringValue()

	var events []domain.TimelineEvent
	for _, raw := range fields[fieldEvents].GetListValue().GetValues() {
		entry := raw.GetStructValue().GetFields()
		occurred, err := time.Parse(time.RFC3339Nano, entry[fieldOccurredAt].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		events = append(events, domain.TimelineEvent{
			OrderID:  orderID,
			Type:     entry[fieldType].GetStringValue(),
			Reason:   entry[fieldReason].GetStringValue(),
			Occurred: occurred,
		})
	}
	return events, nil
}
