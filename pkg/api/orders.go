package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/pkg/app/orders"
)

// Signal defaults when the message names no size
var (
	defaultSignalSizeUsd  = decimal.RequireFromString("2.02")
	defaultSignalLeverage = int64(1)
)

func (s *Server) handleTakeProfit(w http.ResponseWriter, r *http.Request) {
	var req TriggerOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	base, err := s.toOrderRequest(req.OrderRequest)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	res, err := s.cfg.Orders.PlaceTakeProfit(r.Context(), orders.TriggerRequest{Request: base, TriggerPrice: req.TriggerPrice})
	s.respondOrder(w, base, res, err)
}

func (s *Server) handleStopLoss(w http.ResponseWriter, r *http.Request) {
	var req TriggerOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	base, err := s.toOrderRequest(req.OrderRequest)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	res, err := s.cfg.Orders.PlaceStopLoss(r.Context(), orders.TriggerRequest{Request: base, TriggerPrice: req.TriggerPrice})
	s.respondOrder(w, base, res, err)
}

func (s *Server) handleBracket(w http.ResponseWriter, r *http.Request) {
	var req BracketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	base, err := s.toOrderRequest(req.OrderRequest)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	res, err := s.cfg.Orders.PlaceBracket(r.Context(), orders.BracketRequest{
		Request:    base,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})
	s.respondOrder(w, base, res, err)
}

// handleSignal opens a bracketed position from a trading signal
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	req, err := s.signalToBracket(sig)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signal", err.Error())
		return
	}
	if sig.TP2 != nil {
		s.log.Infow("signal_tp2_ignored", "token", sig.TokenMentioned, "tp2", sig.TP2.String())
	}

	res, err := s.cfg.Orders.PlaceBracket(r.Context(), req)
	s.respondOrder(w, req.Request, res, err)
}

func (s *Server) signalToBracket(sig SignalRequest) (orders.BracketRequest, error) {
	var isLong bool
	switch strings.ToLower(strings.TrimSpace(sig.SignalMessage)) {
	case "buy", "long":
		isLong = true
	case "sell", "short":
		isLong = false
	default:
		return orders.BracketRequest{}, fmt.Errorf("unknown signal %q", sig.SignalMessage)
	}
	if sig.TokenMentioned == "" {
		return orders.BracketRequest{}, fmt.Errorf("token is required")
	}
	if sig.TP1 == nil || sig.SL == nil {
		return orders.BracketRequest{}, fmt.Errorf("TP1 and SL are required")
	}

	size := defaultSignalSizeUsd
	if sig.SizeUsd != nil {
		size = *sig.SizeUsd
	}
	leverage := sig.Leverage
	if leverage == 0 {
		leverage = defaultSignalLeverage
	}
	if leverage < 0 {
		return orders.BracketRequest{}, fmt.Errorf("leverage must be positive, got %d", leverage)
	}

	base, err := s.toOrderRequest(OrderRequest{
		Market:     strings.ToUpper(strings.TrimSpace(sig.TokenMentioned)),
		IsLong:     isLong,
		SizeUsd:    size,
		Collateral: size.Div(decimal.NewFromInt(leverage)), // USDC margin
		Account:    sig.SafeAddress,
	})
	if err != nil {
		return orders.BracketRequest{}, err
	}
	if sig.CurrentPrice != nil {
		base.MarketPrice = *sig.CurrentPrice
	}

	return orders.BracketRequest{Request: base, TakeProfit: *sig.TP1, StopLoss: *sig.SL}, nil
}

func (s *Server) toOrderRequest(req OrderRequest) (orders.Request, error) {
	account := s.cfg.DefaultAccount
	if req.Account != "" {
		addr, ok := parseAddress(req.Account)
		if !ok {
			return orders.Request{}, fmt.Errorf("invalid account %q", req.Account)
		}
		account = addr
	}
	return orders.Request{
		Market:            req.Market,
		IsLong:            req.IsLong,
		SizeUsd:           req.SizeUsd,
		Collateral:        req.Collateral,
		Account:           account,
		SlippageBps:       req.SlippageBps,
		MarketPrice:       req.MarketPrice,
		UseDelegatedFunds: req.UseDelegatedFunds,
	}, nil
}

func (s *Server) respondOrder(w http.ResponseWriter, req orders.Request, res *orders.Result, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Warnw("order_request_failed", "market", req.Market, "account", req.Account.Hex(), "err", err)
		}
		respondError(w, status, "order rejected", err.Error())
		return
	}

	resp := toOrderResponse(res)
	s.hub.BroadcastToChannels(OrderEventMessage{
		Type:     "order",
		RecordID: resp.RecordID,
		Account:  req.Account.Hex(),
		Market:   s.marketSymbol(res.Orders[0]),
		Kinds:    kindsOf(res.Orders),
		Status:   resp.Status,
		TxHash:   resp.TxHash,
	}, ChannelOrders, accountChannel(req.Account.Hex()))

	respondJSON(w, resp)
}

func toOrderResponse(res *orders.Result) OrderResponse {
	resp := OrderResponse{
		RecordID:    res.RecordID,
		Status:      string(orders.StatusSubmitted),
		MarketPrice: res.MarketPrice.String(),
		To:          res.Payload.To.Hex(),
		Value:       res.Payload.Value.String(),
		Calldata:    hexutil.Encode(res.Payload.Data),
	}
	if res.DryRun {
		resp.Status = string(orders.StatusDryRun)
	}
	if res.Receipt != nil {
		resp.TxHash = res.Receipt.TxHash.Hex()
	}
	for _, o := range res.Orders {
		resp.Orders = append(resp.Orders, toOrderInfo(o))
	}
	return resp
}

func toOrderInfo(o *orders.Order) OrderInfo {
	info := OrderInfo{
		Kind:            o.Kind.String(),
		OrderType:       o.OrderType.String(),
		OrderTypeCode:   uint8(o.OrderType),
		IsLong:          o.IsLong,
		TriggerPrice:    o.TriggerPrice.String(),
		AcceptablePrice: o.AcceptablePrice.String(),
		SlippageBps:     o.SlippageBps,
		SizeDeltaUsd:    o.SizeDeltaUsd.String(),
		CollateralDelta: o.CollateralDeltaAmount.String(),
		ExecutionFee:    o.ExecutionFee.String(),
		AutoCancel:      o.AutoCancel,
	}
	if o.TriggerPriceEncoded != nil {
		info.TriggerPriceEncoded = o.TriggerPriceEncoded.String()
	}
	return info
}

func (s *Server) marketSymbol(o *orders.Order) string {
	if m, err := s.cfg.Markets.GetByKey(o.Intent.Market); err == nil {
		return m.Symbol
	}
	return o.Intent.Market.Hex()
}

func kindsOf(built []*orders.Order) []string {
	kinds := make([]string, len(built))
	for i, o := range built {
		kinds[i] = o.Kind.String()
	}
	return kinds
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		respondError(w, http.StatusNotFound, "order journal disabled", "")
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.cfg.Journal.LoadOrder(id)
	if err != nil {
		s.log.Errorw("order_load_failed", "id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		respondJSON(w, []*orders.Record{})
		return
	}
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", mux.Vars(r)["address"])
		return
	}
	recs, err := s.cfg.Journal.ListOrders(addr.Hex(), queryInt(r, "limit", 50))
	if err != nil {
		s.log.Errorw("order_list_failed", "account", addr.Hex(), "err", err)
		respondError(w, http.StatusInternalServerError, "failed to list orders", err.Error())
		return
	}
	if recs == nil {
		recs = []*orders.Record{}
	}
	respondJSON(w, recs)
}
