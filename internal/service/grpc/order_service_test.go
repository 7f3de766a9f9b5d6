package grpcsvc_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/service/orders"
	"github.com/vladislavdragonenkov/bakery/internal/storage/memory"
)

const bufSize = 1024 * 1024

var testDay = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), grpcsvc.IdempotencyKeyHeader, key)
}

// steppingClock отдаёт testDay + n минут, n растёт с каждым вызовом.
func steppingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return testDay.Add(time.Duration(n.Add(1)) * time.Minute)
	}
}

func newTestServer(t *testing.T) *grpcsvc.OrderServiceClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	logger := loggerForTests()
	store := memory.NewOrderStore()
	repo := orders.NewRepository(store,
		orders.WithTimeline(memory.NewTimelineRepository()),
		orders.WithClock(steppingClock()),
		orders.WithLogger(logger),
	)
	service := grpcsvc.NewOrderService(repo, time.UTC, logger)
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.WithGuardLogger(logger))

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcsvc.IdempotencyInterceptor(guard)))
	grpcsvc.RegisterOrderServiceServer(server, service)

	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}

	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = store.Close()
	})

	return grpcsvc.NewOrderServiceClient(conn)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func createRequest(t *testing.T, name string, items ...domain.OrderItem) *structpb.Struct {
	t.Helper()
	req, err := grpcsvc.NewCreateRequest(domain.NewDraft(name, items))
	require.NoError(t, err)
	return req
}

func createOrder(t *testing.T, client *grpcsvc.OrderServiceClient, name string, items ...domain.OrderItem) string {
	t.Helper()
	resp, err := client.CreateOrder(context.Background(), createRequest(t, name, items...))
	require.NoError(t, err)
	id := resp.GetFields()["id"].GetStringValue()
	require.NotEmpty(t, id)
	return id
}

func listOrders(t *testing.T, client *grpcsvc.OrderServiceClient, date string) []domain.Order {
	t.Helper()
	req, err := grpcsvc.NewListRequest(date)
	require.NoError(t, err)
	resp, err := client.ListOrders(context.Background(), req)
	require.NoError(t, err)
	view, err := grpcsvc.DecodeView(resp)
	require.NoError(t, err)
	return view.Orders
}

func TestCreateAndListOrders(t *testing.T) {
	client := newTestServer(t)

	first := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 2})
	second := createOrder(t, client, "Somchai",
		domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 1},
		domain.OrderItem{Filling: domain.FillingPorkFlossChili, Quantity: 4},
	)

	req, err := grpcsvc.NewListRequest("")
	require.NoError(t, err)
	resp, err := client.ListOrders(context.Background(), req)
	require.NoError(t, err)
	view, err := grpcsvc.DecodeView(resp)
	require.NoError(t, err)

	require.Len(t, view.Orders, 2)
	assert.Equal(t, second, view.Orders[0].ID, "newest order goes first")
	assert.Equal(t, first, view.Orders[1].ID)
	assert.Equal(t, 7, view.TotalQuantity)
	assert.Equal(t, 2, view.StatusCounts[domain.OrderStatusQueued])
	assert.Equal(t, domain.OrderStatusQueued, view.Orders[0].Status)
	assert.Equal(t, 5, view.Orders[0].TotalQuantity)

	totals := map[domain.Filling]int{}
	for _, total := range view.FillingTotals {
		totals[total.Filling] = total.Quantity
	}
	assert.Equal(t, 3, totals[domain.FillingEggCustard])
	assert.Equal(t, 4, totals[domain.FillingPorkFlossChili])
}

func TestListOrders_DateFilter(t *testing.T) {
	client := newTestServer(t)

	createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingMilkButter, Quantity: 1})

	assert.Len(t, listOrders(t, client, "2024-03-01"), 1)
	assert.Empty(t, listOrders(t, client, "2024-03-02"))

	req, err := grpcsvc.NewListRequest("01.03.2024")
	require.NoError(t, err)
	_, err = client.ListOrders(context.Background(), req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateOrder_ValidationDetails(t *testing.T) {
	client := newTestServer(t)

	_, err := client.CreateOrder(context.Background(), createRequest(t, "   "))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.ElementsMatch(t, []string{"customer_name", "items"}, grpcsvc.FieldViolations(err))

	assert.Empty(t, listOrders(t, client, ""), "invalid create must not persist anything")
}

func TestCreateOrder_UnknownFilling(t *testing.T) {
	client := newTestServer(t)

	req, err := structpb.NewStruct(map[string]any{
		"customer_name": "Mali",
		"items":         []any{map[string]any{"filling": "durian", "quantity": 1}},
	})
	require.NoError(t, err)

	_, err = client.CreateOrder(context.Background(), req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUpdateOrder_KeepsStatusAndCreatedAt(t *testing.T) {
	client := newTestServer(t)
	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 2})

	statusReq, err := grpcsvc.NewStatusRequest(id, domain.OrderStatusInProgress)
	require.NoError(t, err)
	_, err = client.UpdateOrderStatus(context.Background(), statusReq)
	require.NoError(t, err)

	before := listOrders(t, client, "")[0]

	name := "Mali P."
	patch := domain.OrderPatch{
		CustomerName: &name,
		Items:        []domain.OrderItem{{Filling: domain.FillingOvaltineMilk, Quantity: 6}},
	}
	updateReq, err := grpcsvc.NewUpdateRequest(id, patch)
	require.NoError(t, err)
	_, err = client.UpdateOrder(context.Background(), updateReq)
	require.NoError(t, err)

	after := listOrders(t, client, "")[0]
	assert.Equal(t, "Mali P.", after.CustomerName)
	assert.Equal(t, 6, after.TotalQuantity)
	assert.Equal(t, domain.OrderStatusInProgress, after.Status)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestUpdateOrder_Errors(t *testing.T) {
	client := newTestServer(t)

	name := "Mali"
	req, err := grpcsvc.NewUpdateRequest("missing", domain.OrderPatch{CustomerName: &name})
	require.NoError(t, err)
	_, err = client.UpdateOrder(context.Background(), req)
	assert.Equal(t, codes.NotFound, status.Code(err))

	empty, err := grpcsvc.NewUpdateRequest("missing", domain.OrderPatch{})
	require.NoError(t, err)
	_, err = client.UpdateOrder(context.Background(), empty)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	noID, err := grpcsvc.NewUpdateRequest("", domain.OrderPatch{CustomerName: &name})
	require.NoError(t, err)
	_, err = client.UpdateOrder(context.Background(), noID)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUpdateOrderStatus_InvalidStatus(t *testing.T) {
	client := newTestServer(t)
	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 1})

	req, err := structpb.NewStruct(map[string]any{"id": id, "status": "baked"})
	require.NoError(t, err)
	_, err = client.UpdateOrderStatus(context.Background(), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDeleteOrder_RequiresConfirmAndIsIdempotent(t *testing.T) {
	client := newTestServer(t)
	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 1})

	unconfirmed, err := grpcsvc.NewDeleteRequest(id, false)
	require.NoError(t, err)
	_, err = client.DeleteOrder(context.Background(), unconfirmed)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Len(t, listOrders(t, client, ""), 1)

	confirmed, err := grpcsvc.NewDeleteRequest(id, true)
	require.NoError(t, err)
	_, err = client.DeleteOrder(context.Background(), confirmed)
	require.NoError(t, err)
	_, err = client.DeleteOrder(context.Background(), confirmed)
	require.NoError(t, err, "repeated delete is a no-op")

	assert.Empty(t, listOrders(t, client, ""))
}

func TestCreateOrder_IdempotencyReplay(t *testing.T) {
	client := newTestServer(t)
	ctx := idemCtx("create-1")
	req := createRequest(t, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 2})

	var firstHeader, secondHeader metadata.MD
	first, err := client.CreateOrder(ctx, req, grpc.Header(&firstHeader))
	require.NoError(t, err)
	second, err := client.CreateOrder(ctx, req, grpc.Header(&secondHeader))
	require.NoError(t, err)

	assert.Equal(t, first.GetFields()["id"].GetStringValue(), second.GetFields()["id"].GetStringValue())
	assert.Empty(t, firstHeader.Get(grpcsvc.IdempotentReplayedHeader))
	assert.Equal(t, []string{"true"}, secondHeader.Get(grpcsvc.IdempotentReplayedHeader))
	assert.Len(t, listOrders(t, client, ""), 1)

	other := createRequest(t, "Somchai", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 2})
	_, err = client.CreateOrder(ctx, other)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestCreateOrder_IdempotencyReplaysFailure(t *testing.T) {
	client := newTestServer(t)
	ctx := idemCtx("create-invalid")
	req := createRequest(t, "")

	_, err := client.CreateOrder(ctx, req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	var header metadata.MD
	_, err = client.CreateOrder(ctx, req, grpc.Header(&header))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, []string{"true"}, header.Get(grpcsvc.IdempotentReplayedHeader))
	assert.ElementsMatch(t, []string{"customer_name", "items"}, grpcsvc.FieldViolations(err), "детали статуса сохраняются при повторе")
}

func TestUpdateOrder_IdempotencyReplay(t *testing.T) {
	client := newTestServer(t)
	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 1})

	name := "Somchai"
	req, err := grpcsvc.NewUpdateRequest(id, domain.OrderPatch{CustomerName: &name})
	require.NoError(t, err)
	ctx := idemCtx("update-1")

	_, err = client.UpdateOrder(ctx, req)
	require.NoError(t, err)
	var header metadata.MD
	_, err = client.UpdateOrder(ctx, req, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, header.Get(grpcsvc.IdempotentReplayedHeader))

	missing, err := grpcsvc.NewUpdateRequest("missing", domain.OrderPatch{CustomerName: &name})
	require.NoError(t, err)
	_, err = client.UpdateOrder(idemCtx("update-missing"), missing)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGetOrderHistory(t *testing.T) {
	client := newTestServer(t)
	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingEggCustard, Quantity: 1})

	statusReq, err := grpcsvc.NewStatusRequest(id, domain.OrderStatusDone)
	require.NoError(t, err)
	_, err = client.UpdateOrderStatus(context.Background(), statusReq)
	require.NoError(t, err)

	req, err := grpcsvc.NewIDRequest(id)
	require.NoError(t, err)
	resp, err := client.GetOrderHistory(context.Background(), req)
	require.NoError(t, err)

	events, err := grpcsvc.DecodeHistory(resp)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	assert.Equal(t, domain.TimelineStatusChanged, events[1].Type)
	assert.Equal(t, id, events[1].OrderID)
}

func TestWatchOrders_StreamsFullSnapshots(t *testing.T) {
	client := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := grpcsvc.NewListRequest("2024-03-01")
	require.NoError(t, err)
	stream, err := client.WatchOrders(ctx, req)
	require.NoError(t, err)

	initial, err := stream.Recv()
	require.NoError(t, err)
	view, err := grpcsvc.DecodeView(initial)
	require.NoError(t, err)
	assert.Empty(t, view.Orders)

	id := createOrder(t, client, "Mali", domain.OrderItem{Filling: domain.FillingSugarButter, Quantity: 3})

	for {
		msg, err := stream.Recv()
		require.NoError(t, err)
		view, err := grpcsvc.DecodeView(msg)
		require.NoError(t, err)
		if len(view.Orders) == 0 {
			continue
		}
		require.Len(t, view.Orders, 1)
		assert.Equal(t, id, view.Orders[0].ID)
		assert.Equal(t, 3, view.TotalQuantity)
		break
	}
}
