package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/crypto"
)

var (
	errBadSignature = errors.New("invalid signature")
	errStaleNonce   = errors.New("nonce already used")
	errCallExpired  = errors.New("call deadline passed")
)

func toDelegationInfo(d *ledger.Delegation, now uint64) DelegationInfo {
	info := DelegationInfo{
		ID:        d.ID,
		Delegator: d.Delegator.Hex(),
		Delegate:  d.Delegate.Hex(),
		Asset:     d.Asset.Hex(),
		Amount:    d.Amount.String(),
		Available: d.Available(now).String(),
		StartTime: d.StartTime,
		EndTime:   d.EndTime,
		TimeLeft:  d.TimeLeft(now),
		IsActive:  d.IsActive,
		IsRevoked: d.IsRevoked,
		Terminal:  d.Terminal.String(),
	}
	if d.Original != nil {
		info.Original = d.Original.String()
	}
	return info
}

func (s *Server) handleGetDelegation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid delegation id", err.Error())
		return
	}
	d, err := s.cfg.Ledger.Delegation(id)
	if err != nil {
		respondError(w, statusFor(err), "delegation lookup failed", err.Error())
		return
	}
	respondJSON(w, toDelegationInfo(d, s.cfg.Ledger.Now()))
}

func (s *Server) handleGetAccountDelegations(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", mux.Vars(r)["address"])
		return
	}

	now := s.cfg.Ledger.Now()
	resp := AccountDelegations{
		Address:  addr.Hex(),
		Given:    s.delegationInfos(s.cfg.Ledger.UserDelegations(addr), now),
		Received: s.delegationInfos(s.cfg.Ledger.ReceivedDelegations(addr), now),
	}
	respondJSON(w, resp)
}

func (s *Server) delegationInfos(ids []uint64, now uint64) []DelegationInfo {
	out := make([]DelegationInfo, 0, len(ids))
	for _, id := range ids {
		d, err := s.cfg.Ledger.Delegation(id)
		if err != nil {
			continue
		}
		out = append(out, toDelegationInfo(d, now))
	}
	return out
}

// handleGetDelegatedFunds summarizes what a delegate can spend right now
func (s *Server) handleGetDelegatedFunds(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", mux.Vars(r)["address"])
		return
	}

	now := s.cfg.Ledger.Now()
	resp := DelegatedFundsSummary{
		Delegate: addr.Hex(),
		Totals:   make(map[string]string),
	}
	for asset, total := range s.cfg.Ledger.TotalDelegatedFunds(addr) {
		resp.Totals[asset.Hex()] = total.String()
	}
	for _, d := range s.cfg.Ledger.ActiveDelegations(addr) {
		resp.ActiveCount++
		if left := d.TimeLeft(now); resp.NextExpirySeconds == 0 || left < resp.NextExpirySeconds {
			resp.NextExpirySeconds = left
		}
	}
	respondJSON(w, resp)
}

// handleLedgerCall executes ABI calldata against the delegation manager on
// behalf of the signing caller
func (s *Server) handleLedgerCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Contract == nil {
		respondError(w, http.StatusServiceUnavailable, "ledger disabled", "")
		return
	}

	var req LedgerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	call, sig, err := parseLedgerCall(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	if err := s.authorize(call, sig); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, errCallExpired) || errors.Is(err, errStaleNonce) {
			status = http.StatusConflict
		}
		respondError(w, status, "call rejected", err.Error())
		return
	}

	managerABI := s.cfg.Contract.ABI()
	method, err := managerABI.MethodById(call.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown method", err.Error())
		return
	}

	out, err := s.cfg.Contract.Call(r.Context(), call.Caller, call.Value, call.Data)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest // undecodable calldata
		}
		s.log.Infow("ledger_call_failed", "method", method.Name, "caller", call.Caller.Hex(), "err", err)
		respondError(w, status, "call failed", err.Error())
		return
	}

	respondJSON(w, LedgerCallResponse{Method: method.Name, Result: hexutil.Encode(out)})
}

func parseLedgerCall(req LedgerCallRequest) (*crypto.LedgerCallEIP712, []byte, error) {
	caller, ok := parseAddress(req.Caller)
	if !ok {
		return nil, nil, fmt.Errorf("invalid caller %q", req.Caller)
	}
	data, err := hexutil.Decode(req.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid calldata: %w", err)
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok || value.Sign() < 0 {
			return nil, nil, fmt.Errorf("invalid value %q", req.Value)
		}
	}
	var sig []byte
	if req.Signature != "" {
		if sig, err = hexutil.Decode(req.Signature); err != nil {
			return nil, nil, fmt.Errorf("invalid signature encoding: %w", err)
		}
	}

	return &crypto.LedgerCallEIP712{
		Caller:   caller,
		Value:    value,
		Data:     data,
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Deadline: new(big.Int).SetUint64(req.Deadline),
	}, sig, nil
}

// authorize checks the caller's signature, deadline and nonce. A verified
// nonce is consumed even when the call itself later fails.
func (s *Server) authorize(call *crypto.LedgerCallEIP712, sig []byte) error {
	if s.cfg.CallAuth == nil {
		return nil
	}

	if dl := call.Deadline.Uint64(); dl != 0 && s.cfg.Ledger.Now() > dl {
		return fmt.Errorf("%w: %d", errCallExpired, dl)
	}

	ok, err := s.cfg.CallAuth.VerifyLedgerCall(call, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: not signed by %s", errBadSignature, call.Caller.Hex())
	}

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	nonce := call.Nonce.Uint64()
	if last, seen := s.nonces[call.Caller]; seen && nonce <= last {
		return fmt.Errorf("%w: %d <= %d", errStaleNonce, nonce, last)
	}
	s.nonces[call.Caller] = nonce
	return nil
}

func (s *Server) handleGetLedgerEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		respondJSON(w, []LedgerEventMessage{})
		return
	}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	events, err := s.cfg.Events.LoadEvents(after, queryInt(r, "limit", 100))
	if err != nil {
		s.log.Errorw("ledger_events_load_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load events", err.Error())
		return
	}
	out := make([]LedgerEventMessage, len(events))
	for i, ev := range events {
		out[i] = toEventMessage(ev)
	}
	respondJSON(w, out)
}

// ==============================
// Vault
// ==============================

func (s *Server) handleGetVaultBalance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Vault == nil {
		respondError(w, http.StatusNotFound, "vault disabled", "")
		return
	}
	holder, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", mux.Vars(r)["address"])
		return
	}
	asset := ledger.NativeAsset
	if q := r.URL.Query().Get("asset"); q != "" {
		if asset, ok = parseAddress(q); !ok {
			respondError(w, http.StatusBadRequest, "invalid asset", q)
			return
		}
	}
	respondJSON(w, VaultBalance{
		Holder:    holder.Hex(),
		Asset:     asset.Hex(),
		Balance:   s.cfg.Vault.BalanceOf(holder, asset).String(),
		Allowance: s.cfg.Vault.Allowance(holder, asset).String(),
	})
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleVaultChange(w, r, s.cfg.Vault.Deposit)
}

func (s *Server) handleVaultApprove(w http.ResponseWriter, r *http.Request) {
	s.handleVaultChange(w, r, s.cfg.Vault.Approve)
}

func (s *Server) handleVaultChange(w http.ResponseWriter, r *http.Request, apply func(holder, asset common.Address, amount *big.Int) error) {
	var req VaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	holder, ok := parseAddress(req.Holder)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid holder", req.Holder)
		return
	}
	asset := ledger.NativeAsset
	if req.Asset != "" {
		if asset, ok = parseAddress(req.Asset); !ok {
			respondError(w, http.StatusBadRequest, "invalid asset", req.Asset)
			return
		}
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	if err := apply(holder, asset, amount); err != nil {
		respondError(w, http.StatusBadRequest, "vault update failed", err.Error())
		return
	}
	respondJSON(w, VaultBalance{
		Holder:    holder.Hex(),
		Asset:     asset.Hex(),
		Balance:   s.cfg.Vault.BalanceOf(holder, asset).String(),
		Allowance: s.cfg.Vault.Allowance(holder, asset).String(),
	})
}
