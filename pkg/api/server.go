package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/crypto"
	"github.com/uhyunpark/perpguard/pkg/util"
)

// OrderJournal reads back what the order service recorded
type OrderJournal interface {
	LoadOrder(id string) (*orders.Record, error)
	ListOrders(account string, limit int) ([]*orders.Record, error)
}

// EventLog reads persisted ledger events
type EventLog interface {
	LoadEvents(after uint64, limit int) ([]ledger.Event, error)
}

type Config struct {
	Markets  *market.MarketRegistry
	Orders   *orders.Service
	Ledger   *ledger.Ledger
	Contract *ledger.Contract
	Hub      *Hub

	// CallAuth verifies signed ledger calls; nil accepts unsigned calls
	CallAuth *crypto.EIP712Signer
	// Vault backs the deposit/approve dev endpoints when DevEndpoints is set
	Vault        *ledger.MemoryVault
	DevEndpoints bool

	// Optional
	Journal        OrderJournal
	Events         EventLog
	DefaultAccount common.Address // receiver when a request names none
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    Config
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64 // last accepted ledger call nonce
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    cfg.Hub,
		log:    cfg.Logger,
		nonces: make(map[common.Address]uint64),
	}
	if s.log == nil {
		s.log = util.NopSugar()
	}
	if s.hub == nil {
		s.hub = NewHub(s.log)
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		s.cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Markets
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")

	// Orders
	api.HandleFunc("/orders/take-profit", s.handleTakeProfit).Methods("POST")
	api.HandleFunc("/orders/stop-loss", s.handleStopLoss).Methods("POST")
	api.HandleFunc("/orders/bracket", s.handleBracket).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/positions/bracket", s.handleSignal).Methods("POST")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")

	// Delegations
	api.HandleFunc("/delegations/{id:[0-9]+}", s.handleGetDelegation).Methods("GET")
	api.HandleFunc("/accounts/{address}/delegations", s.handleGetAccountDelegations).Methods("GET")
	api.HandleFunc("/accounts/{address}/delegated-funds", s.handleGetDelegatedFunds).Methods("GET")
	api.HandleFunc("/ledger/call", s.handleLedgerCall).Methods("POST")
	api.HandleFunc("/ledger/events", s.handleGetLedgerEvents).Methods("GET")

	// Vault
	api.HandleFunc("/vault/{address}", s.handleGetVaultBalance).Methods("GET")
	if s.cfg.DevEndpoints && s.cfg.Vault != nil {
		api.HandleFunc("/vault/deposit", s.handleVaultDeposit).Methods("POST")
		api.HandleFunc("/vault/approve", s.handleVaultApprove).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub exposes the WebSocket hub (the ledger's event sink)
func (s *Server) Hub() *Hub { return s.hub }

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"wsClients": s.hub.ClientCount(),
	}
	if s.cfg.Orders != nil {
		resp["debugMode"] = s.cfg.Orders.DebugMode()
	}
	if s.cfg.Ledger != nil {
		resp["delegations"] = s.cfg.Ledger.Count()
		resp["time"] = s.cfg.Ledger.Now()
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.cfg.Markets.ListMarkets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = toMarketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.cfg.Markets.GetMarket(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, toMarketInfo(m))
}

func toMarketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:             m.Symbol,
		BaseAsset:          m.BaseAsset(),
		Status:             m.Status.String(),
		MarketKey:          m.MarketKey.Hex(),
		IndexToken:         m.IndexToken.Hex(),
		CollateralToken:    m.CollateralToken.Hex(),
		IndexDecimals:      m.IndexDecimals,
		CollateralDecimals: m.CollateralDecimals,
		PriceDecimals:      m.PriceDecimals(),
	}
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrDelegationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnauthorizedCaller):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAssetTransferFailed),
		errors.Is(err, orders.ErrSubmissionFailed),
		errors.Is(err, orders.ErrPriceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrReentrantCall),
		errors.Is(err, ledger.ErrDelegationNotActive),
		errors.Is(err, ledger.ErrDelegationExpired),
		errors.Is(err, ledger.ErrDelegationRevoked),
		errors.Is(err, ledger.ErrDelegationNotExpired),
		errors.Is(err, ledger.ErrInsufficientDelegatedFunds),
		errors.Is(err, orders.ErrInsufficientDelegatedFunds):
		return http.StatusConflict
	case errors.Is(err, orders.ErrInvalidTriggerPrice),
		errors.Is(err, orders.ErrInvalidMarketPrice),
		errors.Is(err, orders.ErrInvalidSlippage),
		errors.Is(err, orders.ErrInconsistentBracketPrices),
		errors.Is(err, orders.ErrInvalidIntent),
		errors.Is(err, ledger.ErrInvalidDelegate),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidDuration),
		errors.Is(err, ledger.ErrInvalidRecipient),
		errors.Is(err, ledger.ErrAssetMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
