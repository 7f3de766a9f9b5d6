package grpcsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/query"
	"github.com/vladislavdragonenkov/bakery/internal/viewmodel"
)

// OrderRepository — то, что gRPC-слою нужно от репозитория заказов.
type OrderRepository interface {
	viewmodel.Repository
	Snapshot(ctx context.Context, filter domain.Filter) ([]domain.Order, error)
	History(ctx context.Context, id string) ([]domain.TimelineEvent, error)
}

// OrderService реализует bakery.v1.OrderService поверх репозитория заказов.
type OrderService struct {
	repo       OrderRepository
	controller *viewmodel.Controller
	loc        *time.Location
	logger     *log.Entry
}

var _ OrderServiceServer = (*OrderService)(nil)

// NewOrderService конструирует сервис. loc задаёт часовой пояс фильтра по дате, nil означает time.Local.
// Идемпотентность CreateOrder и UpdateOrder обеспечивает IdempotencyInterceptor.
func NewOrderService(repo OrderRepository, loc *time.Location, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	if loc == nil {
		loc = time.Local
	}
	return &OrderService{
		repo:       repo,
		controller: viewmodel.NewController(repo, nil, logger),
		loc:        loc,
		logger:     logger,
	}
}

// CreateOrder создаёт заказ из черновика и возвращает его id.
func (s *OrderService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	draft, err := draftFromRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}

	form := viewmodel.NewForm()
	form.Draft = draft
	if err := s.controller.Submit(ctx, form); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{fieldID: form.SavedID})
}

// UpdateOrder применяет частичное изменение к заказу.
func (s *OrderService) UpdateOrder(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}

	patch, err := patchFromRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if patch.IsEmpty() {
		return nil, status.Error(codes.InvalidArgument, "nothing to update")
	}
	if err := s.repo.Update(ctx, id, patch); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// UpdateOrderStatus переводит заказ в другой статус.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	next, err := domain.ParseOrderStatus(req.GetFields()[fieldStatus].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}

	if err := s.controller.RequestStatusChange(ctx, id, next); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// DeleteOrder удаляет заказ. Без confirm=true запрос отклоняется.
func (s *OrderService) DeleteOrder(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	confirm := req.GetFields()[fieldConfirm].GetBoolValue()

	confirmer := viewmodel.ConfirmFunc(func(context.Context, string) bool { return confirm })
	if err := s.controller.RequestDelete(ctx, id, confirmer); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ListOrders возвращает один снимок по дате вместе с агрегатами.
func (s *OrderService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := s.filterFromRequest(req)
	if err != nil {
		return nil, err
	}

	orders, err := s.repo.Snapshot(ctx, filter)
	if err != nil {
		s.logger.WithError(err).WithField("filter", filter.String()).Warn("failed to list orders")
		return nil, toStatus(err)
	}
	return ViewToStruct(viewmodel.BuildView(filter, orders))
}

// WatchOrders отправляет полный снимок при каждом изменении, пока клиент не отключится.
func (s *OrderService) WatchOrders(req *structpb.Struct, stream OrderService_WatchOrdersServer) error {
	filter, err := s.filterFromRequest(req)
	if err != nil {
		return err
	}

	board := viewmodel.NewBoard(s.repo, viewmodel.WithBoardLogger(s.logger.WithField("stream", "watch_orders")))
	defer board.Close()

	if err := board.Watch(filter); err != nil {
		return toStatus(err)
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case view, ok := <-board.Updates():
			if !ok {
				return nil
			}
			msg, err := ViewToStruct(view)
			if err != nil {
				return status.Error(codes.Internal, "failed to encode snapshot")
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// GetOrderHistory возвращает таймлайн заказа.
func (s *OrderService) GetOrderHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}

	events, err := s.repo.History(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Warn("failed to list timeline events")
		return nil, toStatus(err)
	}
	return timelineToStruct(id, events)
}

func (s *OrderService) filterFromRequest(req *structpb.Struct) (domain.Filter, error) {
	filter, err := query.FilterForDate(req.GetFields()[fieldDate].GetStringValue(), s.loc)
	if err != nil {
		return domain.Filter{}, status.Errorf(codes.InvalidArgument, "date must be %s", query.DateLayout)
	}
	return filter, nil
}

func requireID(req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(req.GetFields()[fieldID].GetStringValue())
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return id, nil
}

// toStatus переводит доменные ошибки в gRPC-коды.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return validationStatus(vErr)
	case errors.Is(err, viewmodel.ErrDeleteDeclined):
		return status.Error(codes.FailedPrecondition, "delete must be confirmed with confirm=true")
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrFillingUnknown),
		errors.Is(err, domain.ErrStatusInvalid),
		errors.Is(err, domain.ErrItemQuantityInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case domain.IsPersistence(err):
		return status.Error(codes.Unavailable, "order store is unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func validationStatus(vErr *domain.ValidationError) error {
	st := status.New(codes.InvalidArgument, vErr.Error())

	br := &errdetails.BadRequest{}
	if vErr.NameMissing {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       fieldCustomerName,
			Description: domain.ErrCustomerNameRequired.Error(),
		})
	}
	if vErr.ItemsMissing {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       fieldItems,
			Description: domain.ErrItemsRequired.Error(),
		})
	}
	if len(br.FieldViolations) == 0 {
		return st.Err()
	}

	detailed, err := st.WithDetails(br)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FieldViolations достаёт имена полей с ошибками из статуса InvalidArgument.
func FieldViolations(err error) []string {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	var fields []string
	for _, detail := range st.Details() {
		if br, ok := detail.(*errdetails.BadRequest); ok {
			for _, v := range br.GetFieldViolations() {
				fields = append(fields, v.GetField())
			}
		}
	}
	return fields
}
