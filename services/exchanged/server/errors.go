package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"melodex/services/exchanged/market"
	"melodex/services/exchanged/orders"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// mapError translates domain sentinels into HTTP status and a stable code.
// Unknown errors surface as 500 without leaking internals.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, market.ErrPoolNotFound):
		return http.StatusNotFound, "POOL_NOT_FOUND", "no liquidity pool for that asset pair"
	case errors.Is(err, market.ErrInvalidPair):
		return http.StatusBadRequest, "INVALID_PAIR", "assets do not form a tradable pair"
	case errors.Is(err, market.ErrInvalidQuoteInput):
		return http.StatusBadRequest, "INVALID_QUOTE_INPUT", "swap amount or pool state is invalid"
	case errors.Is(err, market.ErrSlippageExceeded):
		return http.StatusConflict, "SLIPPAGE_EXCEEDED", "execution price moved beyond the allowed slippage"
	case errors.Is(err, market.ErrInsufficientBalance):
		return http.StatusConflict, "INSUFFICIENT_BALANCE", "account balance cannot cover the swap"
	case errors.Is(err, market.ErrLiquidityExhausted):
		return http.StatusConflict, "LIQUIDITY_EXHAUSTED", "pool cannot supply the requested amount"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "ORDER_NOT_FOUND", "order does not exist"
	case errors.Is(err, orders.ErrOrderAlreadyFilled):
		return http.StatusConflict, "ORDER_ALREADY_FILLED", "order has already been filled"
	case errors.Is(err, orders.ErrOrderExpired):
		return http.StatusConflict, "ORDER_EXPIRED", "order has expired"
	case errors.Is(err, orders.ErrInvalidOrder):
		return http.StatusBadRequest, "INVALID_ORDER", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code, message := mapError(err)
	s.writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
