package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"melodex/services/exchanged/market"
	exmw "melodex/services/exchanged/middleware"
	"melodex/services/exchanged/models"
	"melodex/services/exchanged/orders"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)

	if _, err := market.ProvisionPool(context.Background(), db, "NHB", "USDC", 1000*market.AmountScale, 1000*market.AmountScale); err != nil {
		t.Fatalf("provision pool: %v", err)
	}
	if err := db.Create(&models.AccountBalance{UserID: "alice", Asset: "NHB", Balance: 500 * market.AmountScale}).Error; err != nil {
		t.Fatalf("fund account: %v", err)
	}

	reserve := market.NewStabilityReserve()
	exec, err := market.NewExecutor(db, market.NewBalanceLedger(), reserve, 25)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	store, err := orders.NewStore(db)
	if err != nil {
		t.Fatalf("order store: %v", err)
	}
	srv := New(Config{
		DB:       db,
		Executor: exec,
		Orders:   store,
		Reserve:  reserve,
		Limits: map[string]exmw.RateLimit{
			"swaps":  {RequestsPerMinute: 6000, Burst: 100},
			"orders": {RequestsPerMinute: 6000, Burst: 100},
		},
	})
	return srv, db
}

func doJSON(t *testing.T, handler http.Handler, method, path, user string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decodeBody(t, recorder, &resp)
	return resp.Error.Code
}

func TestSwapEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "alice", map[string]any{
		"from_asset":   "NHB",
		"to_asset":     "USDC",
		"amount":       100,
		"slippage_bps": 500,
	}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var view swapView
	decodeBody(t, recorder, &view)
	if view.Status != models.SwapStatusCompleted {
		t.Fatalf("unexpected status: %s", view.Status)
	}
	if view.AmountOut != 90.702432 {
		t.Fatalf("unexpected amount out: %v", view.AmountOut)
	}
	if view.Fee != 0.25 {
		t.Fatalf("unexpected fee: %v", view.Fee)
	}
}

func TestSwapEndpointSlippageRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "alice", map[string]any{
		"from_asset":   "NHB",
		"to_asset":     "USDC",
		"amount":       100,
		"slippage_bps": 0,
	}, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCode(t, recorder); code != "SLIPPAGE_EXCEEDED" {
		t.Fatalf("unexpected error code: %s", code)
	}

	// The rejected attempt shows up in the history.
	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/swaps", "alice", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var history struct {
		Swaps []swapView `json:"swaps"`
	}
	decodeBody(t, recorder, &history)
	if len(history.Swaps) != 1 {
		t.Fatalf("expected one record, got %d", len(history.Swaps))
	}
	if history.Swaps[0].Status != models.SwapStatusFailed || history.Swaps[0].FailReason != "slippage_exceeded" {
		t.Fatalf("unexpected record: %+v", history.Swaps[0])
	}
}

func TestSwapEndpointRequiresUser(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "", map[string]any{
		"from_asset": "NHB", "to_asset": "USDC", "amount": 1,
	}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if code := errorCode(t, recorder); code != "MISSING_USER" {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestSwapEndpointUnknownPool(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "alice", map[string]any{
		"from_asset": "NHB", "to_asset": "EUR", "amount": 1, "slippage_bps": 100,
	}, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCode(t, recorder); code != "POOL_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestSwapIdempotencyReplay(t *testing.T) {
	srv, db := newTestServer(t)
	handler := srv.Handler()

	body := map[string]any{
		"from_asset": "NHB", "to_asset": "USDC", "amount": 100, "slippage_bps": 500,
	}
	headers := map[string]string{"Idempotency-Key": "swap-once"}

	first := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "alice", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", first.Code, first.Body.String())
	}
	second := doJSON(t, handler, http.MethodPost, "/v1/exchange/swap", "alice", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("unexpected replay status %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay returned a different body")
	}

	// Only the first request touched the ledger.
	var balance models.AccountBalance
	if err := db.First(&balance, "user_id = ? AND asset = ?", "alice", "NHB").Error; err != nil {
		t.Fatalf("load balance: %v", err)
	}
	if balance.Balance != 400*market.AmountScale {
		t.Fatalf("unexpected balance after replay: %d", balance.Balance)
	}
}

func TestOrderLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/orders", "alice", map[string]any{
		"side":              "sell",
		"from_asset":        "NHB",
		"to_asset":          "USDC",
		"amount":            50,
		"target_rate":       0.5,
		"trigger_condition": "rate-below",
		"execution_mode":    "full-or-nothing",
		"slippage_bps":      100,
	}, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var created orderView
	decodeBody(t, recorder, &created)
	if created.Status != models.OrderStatusPending {
		t.Fatalf("unexpected status: %s", created.Status)
	}
	if created.RemainingAmount != 50 {
		t.Fatalf("unexpected remaining: %v", created.RemainingAmount)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/orders", "alice", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var list struct {
		Orders []orderView `json:"orders"`
	}
	decodeBody(t, recorder, &list)
	if len(list.Orders) != 1 {
		t.Fatalf("expected one order, got %d", len(list.Orders))
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/orders/"+created.ID.String(), "alice", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/v1/exchange/orders/"+created.ID.String(), "alice", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected cancel status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/orders/"+created.ID.String(), "alice", nil, nil)
	var got orderView
	decodeBody(t, recorder, &got)
	if got.Status != models.OrderStatusCancelled {
		t.Fatalf("unexpected status after cancel: %s", got.Status)
	}

	// Other users cannot see or cancel the order.
	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/orders/"+created.ID.String(), "mallory", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestOrderEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/v1/exchange/orders", "alice", map[string]any{
		"side":              "sell",
		"from_asset":        "NHB",
		"to_asset":          "USDC",
		"amount":            50,
		"trigger_condition": "rate-below",
		"execution_mode":    "full-or-nothing",
	}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCode(t, recorder); code != "INVALID_ORDER" {
		t.Fatalf("unexpected error code: %s", code)
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/v1/exchange/orders/not-a-uuid", "alice", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/v1/exchange/orders/"+uuid.NewString(), "alice", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestPoolEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodGet, "/v1/exchange/pools/NHB-USDC", "", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var view poolView
	decodeBody(t, recorder, &view)
	if view.Pair != "NHB/USDC" {
		t.Fatalf("unexpected pair: %s", view.Pair)
	}
	if view.ReserveA != 1000 || view.ReserveB != 1000 {
		t.Fatalf("unexpected reserves: %v/%v", view.ReserveA, view.ReserveB)
	}
	if view.RateAToB != 1 {
		t.Fatalf("unexpected rate: %v", view.RateAToB)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/exchange/pools/NHB-EUR", "", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if code := errorCode(t, recorder); code != "POOL_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	recorder := doJSON(t, handler, http.MethodGet, "/healthz", "", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}
