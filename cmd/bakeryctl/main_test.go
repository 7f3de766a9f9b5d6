package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/bakery/internal/service/grpc"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/service/orders"
	"github.com/vladislavdragonenkov/bakery/internal/storage/memory"
)

var testDay = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// startServer поднимает OrderService на bufconn и подменяет dial.
func startServer(t *testing.T) {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	entry := logger.WithField("component", "test")

	var n atomic.Int64
	store := memory.NewOrderStore()
	repo := orders.NewRepository(store,
		orders.WithTimeline(memory.NewTimelineRepository()),
		orders.WithClock(func() time.Time { return testDay.Add(time.Duration(n.Add(1)) * time.Minute) }),
		orders.WithLogger(entry),
	)

	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.WithGuardLogger(entry))
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcsvc.IdempotencyInterceptor(guard)))
	grpcsvc.RegisterOrderServiceServer(server, grpcsvc.NewOrderService(repo, time.UTC, entry))
	go func() { _ = server.Serve(listener) }()

	oldDial := dial
	dial = func(string) (*grpc.ClientConn, error) {
		//nolint:staticcheck // grpc.Dial is required for bufconn testing
		return grpc.Dial("bufnet",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	t.Cleanup(func() {
		dial = oldDial
		server.Stop()
		_ = store.Close()
	})
}

func runCLI(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp(&out, strings.NewReader(input))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := app.RunContext(ctx, append([]string{"bakeryctl", "--tz", "UTC"}, args...))
	return out.String(), err
}

func createOrder(t *testing.T, args ...string) string {
	t.Helper()

	out, err := runCLI(t, "", append([]string{"add"}, args...)...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "created order "), out)
	return strings.TrimSpace(strings.TrimPrefix(out, "created order "))
}

func TestAddAndList(t *testing.T) {
	startServer(t)

	first := createOrder(t, "--name", "Somchai", "--item", "pandan_custard=2", "--item", "egg_custard")
	second := createOrder(t, "-n", "Malee", "-i", "สังขยาใบเตย=3")
	require.NotEqual(t, first, second)

	out, err := runCLI(t, "", "list", "--date", "2024-03-01")
	require.NoError(t, err)

	assert.Contains(t, out, "Somchai")
	assert.Contains(t, out, "สังขยาใบเตย×2, สังขยาไข่×1")
	assert.Contains(t, out, "total: 6 pcs | queued=2 in_progress=0 done=0")
	assert.Contains(t, out, "  สังขยาใบเตย: 5")
	assert.Less(t, strings.Index(out, "Malee"), strings.Index(out, "Somchai"), "newest order goes first")

	out, err = runCLI(t, "", "ls", "--date", "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, "no orders\n", out)
}

func TestAddRetryWithSameKey(t *testing.T) {
	startServer(t)

	first := createOrder(t, "--name", "Somchai", "--item", "crab_stick_mayo", "--idempotency-key", "retry-1")
	second := createOrder(t, "--name", "Somchai", "--item", "crab_stick_mayo", "--idempotency-key", "retry-1")
	assert.Equal(t, first, second, "повтор с тем же ключом не создаёт второй заказ")

	_, err := runCLI(t, "", "add", "--name", "Malee", "--item", "crab_stick_mayo", "--idempotency-key", "retry-1")
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	out, err := runCLI(t, "", "list")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "Somchai"))
}

func TestAddValidation(t *testing.T) {
	startServer(t)

	_, err := runCLI(t, "", "add", "--name", " ")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, "invalid order: missing customer_name, items", describeError(err))

	_, err = runCLI(t, "", "add", "--name", "A", "--item", "durian")
	require.ErrorIs(t, err, domain.ErrFillingUnknown)

	_, err = runCLI(t, "", "add", "--name", "A", "--item", "egg_custard=0")
	require.ErrorIs(t, err, domain.ErrItemQuantityInvalid)
}

func TestEditStatusHistory(t *testing.T) {
	startServer(t)
	id := createOrder(t, "--name", "Somchai", "--item", "milk_butter")

	out, err := runCLI(t, "", "status", id, "IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, "order "+id+" is in_progress\n", out)

	out, err = runCLI(t, "", "edit", "--name", "Somchai K.", "--item", "sugar_butter=4", id)
	require.NoError(t, err)
	assert.Equal(t, "updated order "+id+"\n", out)

	out, err = runCLI(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Somchai K.")
	assert.Contains(t, out, "เนยน้ำตาล×4")
	assert.Contains(t, out, "in_progress", "edit keeps status")

	out, err = runCLI(t, "", "history", id)
	require.NoError(t, err)
	assert.Contains(t, out, domain.TimelineOrderCreated)
	assert.Contains(t, out, domain.TimelineStatusChanged)
	assert.Contains(t, out, domain.TimelineOrderEdited)

	_, err = runCLI(t, "", "status", id, "burnt")
	require.ErrorIs(t, err, domain.ErrStatusInvalid)

	_, err = runCLI(t, "", "edit", id)
	require.Error(t, err)

	_, err = runCLI(t, "", "status", "missing-id", "done")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestDeleteAsksForConfirmation(t *testing.T) {
	startServer(t)
	id := createOrder(t, "--name", "Somchai", "--item", "ovaltine_milk")

	out, err := runCLI(t, "n\n", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "delete cancelled")

	out, err = runCLI(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = runCLI(t, "yes\n", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted order "+id)

	out, err = runCLI(t, "", "delete", "--yes", id)
	require.NoError(t, err, "deleting a missing order is not an error")
	assert.Contains(t, out, "deleted order "+id)

	out, err = runCLI(t, "", "list")
	require.NoError(t, err)
	assert.Equal(t, "no orders\n", out)

	_, err = runCLI(t, "", "delete")
	require.Error(t, err)
}

func TestWatchPrintsSnapshot(t *testing.T) {
	startServer(t)
	createOrder(t, "--name", "Somchai", "--item", "chocolate_banana=2")

	out, err := runCLI(t, "", "watch", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "--- snapshot 1 ---")
	assert.Contains(t, out, "ช็อกโกแลตกล้วย×2")
}

func TestFillings(t *testing.T) {
	out, err := runCLI(t, "", "fillings")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(domain.Fillings())+1)
	assert.Contains(t, lines[1], "pandan_custard")
	assert.Contains(t, lines[1], "สังขยาใบเตย")
}

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"pandan_custard=2", " EGG_CUSTARD "})
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderItem{
		{Filling: domain.FillingPandanCustard, Quantity: 2},
		{Filling: domain.FillingEggCustard, Quantity: 1},
	}, items)

	_, err = parseItems([]string{"egg_custard", "egg_custard=2"})
	require.Error(t, err)

	items, err = parseItems(nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAskConfirm(t *testing.T) {
	var out bytes.Buffer
	ok, err := askConfirm(strings.NewReader("Y"), &out, "sure? ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sure? ", out.String())

	ok, err = askConfirm(strings.NewReader(""), &out, "sure? ")
	require.NoError(t, err)
	assert.False(t, ok)
}
