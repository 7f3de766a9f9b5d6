package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bakery/internal/service/httpapi"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/service/orders"
	"github.com/vladislavdragonenkov/bakery/internal/storage/memory"
)

var testDay = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	var n atomic.Int64
	clock := func() time.Time { return testDay.Add(time.Duration(n.Add(1)) * time.Minute) }

	store := memory.NewOrderStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := log.New().WithField("test", "http-api")
	repo := orders.NewRepository(store,
		orders.WithTimeline(memory.NewTimelineRepository()),
		orders.WithClock(clock),
		orders.WithLogger(logger),
	)
	server := httpapi.NewServer(repo,
		httpapi.WithLogger(logger),
		httpapi.WithLocation(time.UTC),
		httpapi.WithHeartbeat(50*time.Millisecond),
		httpapi.WithIdempotency(idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.WithGuardLogger(logger))),
	)
	return server.Router()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doWithKey(t, h, "", method, target, body)
}

func doWithKey(t *testing.T, h http.Handler, key, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createOrder(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

type viewResponse struct {
	Orders []struct {
		ID            string `json:"id"`
		CustomerName  string `json:"customer_name"`
		Status        string `json:"status"`
		TotalQuantity int    `json:"total_quantity"`
		CreatedAt     int64  `json:"created_at"`
	} `json:"orders"`
	TotalQuantity int            `json:"total_quantity"`
	StatusCounts  map[string]int `json:"status_counts"`
}

func listOrders(t *testing.T, h http.Handler, query string) viewResponse {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/api/orders"+query, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view viewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCreateAndList(t *testing.T) {
	h := newTestAPI(t)

	first := createOrder(t, h, `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`)
	second := createOrder(t, h, `{"customer_name":"Somchai","items":[{"filling":"สังขยาใบเตย","quantity":3}]}`)

	view := listOrders(t, h, "")
	require.Len(t, view.Orders, 2)
	assert.Equal(t, second, view.Orders[0].ID)
	assert.Equal(t, first, view.Orders[1].ID)
	assert.Equal(t, 5, view.TotalQuantity)
	assert.Equal(t, 2, view.StatusCounts["queued"])

	assert.Len(t, listOrders(t, h, "?date=2024-03-01").Orders, 2)
	assert.Empty(t, listOrders(t, h, "?date=2024-02-29").Orders)

	rec := do(t, h, http.MethodGet, "/api/orders?date=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreate_ValidationFlags(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/orders", `{"customer_name":"  ","items":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		NameError  bool `json:"name_error"`
		ItemsError bool `json:"items_error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.NameError)
	assert.True(t, resp.ItemsError)

	rec = do(t, h, http.MethodPost, "/api/orders", `{"customer_name":"Mali","items":[{"filling":"durian","quantity":1}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/orders", `{"customer_name":"Mali","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, listOrders(t, h, "").Orders)
}

func TestPatchAndStatus(t *testing.T) {
	h := newTestAPI(t)
	id := createOrder(t, h, `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`)
	createdAt := listOrders(t, h, "").Orders[0].CreatedAt

	rec := do(t, h, http.MethodPut, "/api/orders/"+id+"/status", `{"status":"in_progress"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPatch, "/api/orders/"+id, `{"customer_name":"Mali P.","items":[{"filling":"milk_butter","quantity":7}]}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	order := listOrders(t, h, "").Orders[0]
	assert.Equal(t, "Mali P.", order.CustomerName)
	assert.Equal(t, 7, order.TotalQuantity)
	assert.Equal(t, "in_progress", order.Status)
	assert.Equal(t, createdAt, order.CreatedAt)

	rec = do(t, h, http.MethodPatch, "/api/orders/"+id, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/api/orders/"+id, `{"items":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/orders/"+id+"/status", `{"status":"baked"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/orders/missing/status", `{"status":"done"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRequiresConfirm(t *testing.T) {
	h := newTestAPI(t)
	id := createOrder(t, h, `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`)

	rec := do(t, h, http.MethodDelete, "/api/orders/"+id, "")
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Len(t, listOrders(t, h, "").Orders, 1)

	rec = do(t, h, http.MethodDelete, "/api/orders/"+id+"?confirm=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/orders/"+id+"?confirm=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Empty(t, listOrders(t, h, "").Orders)
}

func TestHistoryAndFillings(t *testing.T) {
	h := newTestAPI(t)
	id := createOrder(t, h, `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`)
	do(t, h, http.MethodPut, "/api/orders/"+id+"/status", `{"status":"done"}`)

	rec := do(t, h, http.MethodGet, "/api/orders/"+id+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "done", events[1].Reason)

	rec = do(t, h, http.MethodGet, "/api/fillings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fillings []struct {
		Slug  string `json:"slug"`
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fillings))
	require.Len(t, fillings, 8)
	assert.Equal(t, "pandan_custard", fillings[0].Slug)
}

func TestStreamOrders_SendsSnapshots(t *testing.T) {
	h := newTestAPI(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/orders/stream?date=2024-03-01", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextSnapshot := func() viewResponse {
		for {
			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			var view viewResponse
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(line[len("data: "):]), &view))
			return view
		}
	}

	assert.Empty(t, nextSnapshot().Orders)

	body := strings.NewReader(`{"customer_name":"Mali","items":[{"filling":"sugar_butter","quantity":4}]}`)
	postResp, err := http.Post(srv.URL+"/api/orders", "application/json", body)
	require.NoError(t, err)
	_ = postResp.Body.Close()
	require.Equal(t, http.StatusCreated, postResp.StatusCode)

	for {
		view := nextSnapshot()
		if len(view.Orders) == 0 {
			continue
		}
		assert.Equal(t, 4, view.TotalQuantity)
		break
	}
}

func TestCreate_IdempotencyKeyReplaysResponse(t *testing.T) {
	h := newTestAPI(t)
	body := `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`

	first := doWithKey(t, h, "create-1", http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get(httpapi.HeaderIdempotentReplayed))

	second := doWithKey(t, h, "create-1", http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(httpapi.HeaderIdempotentReplayed))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, listOrders(t, h, "").Orders, 1)

	other := doWithKey(t, h, "create-1", http.MethodPost, "/api/orders", `{"customer_name":"Somchai","items":[{"filling":"egg_custard","quantity":2}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, other.Code)

	tooLong := doWithKey(t, h, strings.Repeat("k", idempotency.MaxKeyLength+1), http.MethodPost, "/api/orders", body)
	assert.Equal(t, http.StatusBadRequest, tooLong.Code)

	createOrder(t, h, body)
	assert.Len(t, listOrders(t, h, "").Orders, 2, "без ключа каждый запрос создаёт заказ")
}

func TestCreate_IdempotencyReplaysRejection(t *testing.T) {
	h := newTestAPI(t)
	body := `{"customer_name":"","items":[]}`

	first := doWithKey(t, h, "invalid-1", http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusUnprocessableEntity, first.Code)
	second := doWithKey(t, h, "invalid-1", http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, "true", second.Header().Get(httpapi.HeaderIdempotentReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestPatch_IdempotencyKeyScopedByPath(t *testing.T) {
	h := newTestAPI(t)
	id := createOrder(t, h, `{"customer_name":"Mali","items":[{"filling":"egg_custard","quantity":2}]}`)
	body := `{"customer_name":"Mali P."}`

	rec := doWithKey(t, h, "patch-1", http.MethodPatch, "/api/orders/"+id, body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = doWithKey(t, h, "patch-1", http.MethodPatch, "/api/orders/"+id, body)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(httpapi.HeaderIdempotentReplayed))
	assert.Empty(t, rec.Body.String())

	rec = doWithKey(t, h, "patch-1", http.MethodPatch, "/api/orders/other", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "тот же ключ для другого заказа")
}
