package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"melodex/services/exchanged/market"
	"melodex/services/exchanged/models"
	"melodex/services/exchanged/orders"
)

func badRequest(code, message string) errorResponse {
	return errorResponse{Error: errorBody{Code: code, Message: message}}
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if user == "" {
		s.writeJSON(w, http.StatusBadRequest, badRequest("MISSING_USER", "X-User-ID header is required"))
		return "", false
	}
	return user, true
}

type swapView struct {
	ID          uuid.UUID `json:"id"`
	FromAsset   string    `json:"from_asset"`
	ToAsset     string    `json:"to_asset"`
	AmountIn    float64   `json:"amount_in"`
	AmountOut   float64   `json:"amount_out"`
	Rate        float64   `json:"rate"`
	Fee         float64   `json:"fee"`
	SlippageBps int       `json:"slippage_bps"`
	Status      string    `json:"status"`
	FailReason  string    `json:"fail_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newSwapView(rec models.SwapRecord) swapView {
	return swapView{
		ID:          rec.ID,
		FromAsset:   rec.FromAsset,
		ToAsset:     rec.ToAsset,
		AmountIn:    market.FromAmountUnits(rec.AmountIn),
		AmountOut:   market.FromAmountUnits(rec.AmountOut),
		Rate:        market.FromRateUnits(rec.Rate),
		Fee:         market.FromAmountUnits(rec.Fee),
		SlippageBps: rec.SlippageBps,
		Status:      rec.Status,
		FailReason:  rec.FailReason,
		CreatedAt:   rec.CreatedAt,
	}
}

// ExecuteSwap prices and settles a swap against the pool.
func (s *Server) ExecuteSwap(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		FromAsset   string  `json:"from_asset"`
		ToAsset     string  `json:"to_asset"`
		Amount      float64 `json:"amount"`
		SlippageBps int     `json:"slippage_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_PAYLOAD", "request body is not valid JSON"))
		return
	}
	amount, err := market.ToAmountUnits(req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_AMOUNT", err.Error()))
		return
	}
	rec, err := s.exec.ExecuteSwap(r.Context(), market.SwapRequest{
		UserID:      user,
		FromAsset:   req.FromAsset,
		ToAsset:     req.ToAsset,
		AmountIn:    amount,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSwapView(rec))
}

// SwapHistory lists the caller's swap attempts newest first.
func (s *Server) SwapHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	records, err := s.exec.History(r.Context(), user, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]swapView, 0, len(records))
	for _, rec := range records {
		views = append(views, newSwapView(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"swaps": views})
}

type executionView struct {
	SwapRecordID uuid.UUID `json:"swap_record_id"`
	Amount       float64   `json:"amount"`
	Rate         float64   `json:"rate"`
	CreatedAt    time.Time `json:"created_at"`
}

type orderView struct {
	ID               uuid.UUID          `json:"id"`
	Side             string             `json:"side"`
	FromAsset        string             `json:"from_asset"`
	ToAsset          string             `json:"to_asset"`
	RequestedAmount  float64            `json:"requested_amount"`
	RemainingAmount  float64            `json:"remaining_amount"`
	TargetRate       float64            `json:"target_rate,omitempty"`
	TriggerCondition string             `json:"trigger_condition"`
	TriggerWindow    string             `json:"trigger_window,omitempty"`
	ExecutionMode    string             `json:"execution_mode"`
	TimeDecay        bool               `json:"time_decay"`
	RiskTolerance    string             `json:"risk_tolerance"`
	SlippageBps      int                `json:"slippage_bps"`
	Status           models.OrderStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	LastEvaluatedAt  *time.Time         `json:"last_evaluated_at,omitempty"`
	Executions       []executionView    `json:"executions"`
}

func newOrderView(order models.SmartOrder) orderView {
	view := orderView{
		ID:               order.ID,
		Side:             order.Side,
		FromAsset:        order.FromAsset,
		ToAsset:          order.ToAsset,
		RequestedAmount:  market.FromAmountUnits(order.RequestedAmount),
		RemainingAmount:  market.FromAmountUnits(order.RemainingAmount),
		TargetRate:       market.FromRateUnits(order.TargetRate),
		TriggerCondition: order.TriggerCondition,
		ExecutionMode:    order.ExecutionMode,
		TimeDecay:        order.TimeDecay,
		RiskTolerance:    order.RiskTolerance,
		SlippageBps:      order.SlippageBps,
		Status:           order.Status,
		CreatedAt:        order.CreatedAt,
		ExpiresAt:        order.ExpiresAt,
		LastEvaluatedAt:  order.LastEvaluatedAt,
		Executions:       make([]executionView, 0, len(order.Executions)),
	}
	if order.TriggerWindow > 0 {
		view.TriggerWindow = (time.Duration(order.TriggerWindow) * time.Second).String()
	}
	for _, ex := range order.Executions {
		view.Executions = append(view.Executions, executionView{
			SwapRecordID: ex.SwapRecordID,
			Amount:       market.FromAmountUnits(ex.Amount),
			Rate:         market.FromRateUnits(ex.Rate),
			CreatedAt:    ex.CreatedAt,
		})
	}
	return view
}

// CreateOrder registers a smart order for scheduled execution.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Side             string     `json:"side"`
		FromAsset        string     `json:"from_asset"`
		ToAsset          string     `json:"to_asset"`
		Amount           float64    `json:"amount"`
		TargetRate       float64    `json:"target_rate"`
		TriggerCondition string     `json:"trigger_condition"`
		TriggerWindow    string     `json:"trigger_window"`
		ExecutionMode    string     `json:"execution_mode"`
		TimeDecay        bool       `json:"time_decay"`
		RiskTolerance    string     `json:"risk_tolerance"`
		SlippageBps      int        `json:"slippage_bps"`
		ExpiresAt        *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_PAYLOAD", "request body is not valid JSON"))
		return
	}
	amount, err := market.ToAmountUnits(req.Amount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_AMOUNT", err.Error()))
		return
	}
	var targetRate int64
	if req.TargetRate != 0 {
		targetRate, err = market.ToRateUnits(req.TargetRate)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_RATE", err.Error()))
			return
		}
	}
	var window time.Duration
	if req.TriggerWindow != "" {
		window, err = time.ParseDuration(req.TriggerWindow)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_WINDOW", "trigger_window must be a duration string"))
			return
		}
	}
	order, err := s.orders.Create(r.Context(), orders.CreateParams{
		UserID:           user,
		Side:             req.Side,
		FromAsset:        req.FromAsset,
		ToAsset:          req.ToAsset,
		Amount:           amount,
		TargetRate:       targetRate,
		TriggerCondition: req.TriggerCondition,
		TriggerWindow:    window,
		ExecutionMode:    req.ExecutionMode,
		TimeDecay:        req.TimeDecay,
		RiskTolerance:    req.RiskTolerance,
		SlippageBps:      req.SlippageBps,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newOrderView(order))
}

// ListOrders lists the caller's orders, optionally filtered by status.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	list, err := s.orders.List(r.Context(), user, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]orderView, 0, len(list))
	for _, order := range list {
		views = append(views, newOrderView(order))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// GetOrder returns one order with its execution history.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_ORDER_ID", "order id must be a UUID"))
		return
	}
	order, err := s.orders.Get(r.Context(), id, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOrderView(order))
}

// CancelOrder cancels a live order. Cancelling twice is a no-op.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_ORDER_ID", "order id must be a UUID"))
		return
	}
	if err := s.orders.Cancel(r.Context(), id, user); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": models.OrderStatusCancelled,
	})
}

type poolView struct {
	Pair             string             `json:"pair"`
	AssetA           string             `json:"asset_a"`
	AssetB           string             `json:"asset_b"`
	ReserveA         float64            `json:"reserve_a"`
	ReserveB         float64            `json:"reserve_b"`
	TotalFees        float64            `json:"total_fees"`
	TotalLiquidity   float64            `json:"total_liquidity"`
	RateAToB         float64            `json:"rate_a_to_b"`
	RateBToA         float64            `json:"rate_b_to_a"`
	StabilityReserve map[string]float64 `json:"stability_reserve"`
}

// GetPool reports the live state of one liquidity pool. The pair path
// parameter uses a dash separator, for example NHB-USDC.
func (s *Server) GetPool(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "pair")
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.writeJSON(w, http.StatusBadRequest, badRequest("INVALID_PAIR", "pair must look like ASSETA-ASSETB"))
		return
	}
	pool, err := market.ReadPool(r.Context(), s.db, parts[0], parts[1])
	if err != nil {
		s.writeError(w, err)
		return
	}
	rateAB, err := market.SpotRate(pool.ReserveA, pool.ReserveB)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rateBA, err := market.SpotRate(pool.ReserveB, pool.ReserveA)
	if err != nil {
		s.writeError(w, err)
		return
	}
	reserves := make(map[string]float64, 2)
	for _, asset := range []string{pool.AssetA, pool.AssetB} {
		balance, err := s.reserve.Balance(s.db, asset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		reserves[asset] = market.FromAmountUnits(balance)
	}
	s.writeJSON(w, http.StatusOK, poolView{
		Pair:             pool.Pair,
		AssetA:           pool.AssetA,
		AssetB:           pool.AssetB,
		ReserveA:         market.FromAmountUnits(pool.ReserveA),
		ReserveB:         market.FromAmountUnits(pool.ReserveB),
		TotalFees:        market.FromAmountUnits(pool.TotalFees),
		TotalLiquidity:   market.FromAmountUnits(pool.TotalLiquidity),
		RateAToB:         market.FromRateUnits(rateAB),
		RateBToA:         market.FromRateUnits(rateBA),
		StabilityReserve: reserves,
	})
}
