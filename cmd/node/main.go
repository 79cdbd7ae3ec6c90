package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpguard/params"
	"github.com/uhyunpark/perpguard/pkg/api"
	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/chain"
	"github.com/uhyunpark/perpguard/pkg/crypto"
	"github.com/uhyunpark/perpguard/pkg/oracle"
	"github.com/uhyunpark/perpguard/pkg/storage"
	"github.com/uhyunpark/perpguard/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Orders.DebugMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "debug_mode", cfg.Orders.DebugMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "perpguard"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	// ---- Vault + Ledger ----
	vault := ledger.NewMemoryVault()
	balances, err := store.LoadBalances()
	if err != nil {
		sugar.Fatalw("vault_load_failed", "err", err)
	}
	vault.Restore(balances)
	vault.Store = store
	vault.Logger = sugar

	hub := api.NewHub(sugar)
	led, err := ledger.New(ledger.Config{
		MinDuration: cfg.Ledger.MinDuration,
		MaxDuration: cfg.Ledger.MaxDuration,
		Store:       store,
		Events:      hub,
		Logger:      sugar,
	}, vault, util.RealClock{})
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}
	manager := common.HexToAddress(cfg.Chain.DelegationManager)
	contract := ledger.NewContract(led, manager)

	if cfg.Ledger.KeeperInterval > 0 {
		go ledger.NewKeeper(led, manager, cfg.Ledger.KeeperInterval).Run(ctx)
	}

	// ---- Orders ----
	markets := market.DefaultArbitrum()
	priceOracle := oracle.NewTickerOracle(cfg.OracleURL, cfg.OracleCacheTTL, sugar)

	var submitter orders.Submitter
	if !cfg.Orders.DebugMode {
		if cfg.Chain.PrivateKey == "" {
			sugar.Fatal("PRIVATE_KEY is required when DEBUG_MODE=false")
		}
		sub, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey, cfg.Chain.ChainID, sugar)
		if err != nil {
			sugar.Fatalw("rpc_dial_failed", "url", cfg.Chain.RPCURL, "err", err)
		}
		submitter = sub
		sugar.Infow("submitter_ready", "from", sub.From().Hex(), "chain_id", cfg.Chain.ChainID)
	}

	svc := orders.NewService(
		orders.NewBuilder(orders.BuilderConfig{
			StopLossSlippageMultiplier: cfg.Orders.StopLossSlippageMultiplier,
			BaseExecutionFee:           cfg.Orders.BaseExecutionFee,
			ExecutionBufferBps:         cfg.Orders.ExecutionBufferBps,
		}),
		orders.NewEncoder(common.HexToAddress(cfg.Chain.ExchangeRouter), common.HexToAddress(cfg.Chain.OrderVault)),
		markets,
		priceOracle,
		submitter,
		orders.ServiceConfig{
			DefaultSlippageBps: cfg.Orders.DefaultSlippageBps,
			DebugMode:          cfg.Orders.DebugMode,
			Funds:              led,
			Journal:            store,
			Logger:             sugar,
		},
	)

	// ---- API Server ----
	var callAuth *crypto.EIP712Signer
	if !cfg.Node.UnsignedLedgerCalls {
		callAuth = crypto.NewEIP712Signer(crypto.DefaultDomain(big.NewInt(cfg.Chain.ChainID), manager))
	} else {
		sugar.Warn("unsigned_ledger_calls_enabled")
	}

	apiServer := api.NewServer(api.Config{
		Markets:      markets,
		Orders:       svc,
		Ledger:       led,
		Contract:     contract,
		Hub:          hub,
		CallAuth:     callAuth,
		Vault:        vault,
		DevEndpoints: cfg.Node.DevEndpoints,
		Journal:      store,
		Events:       store,
		Logger:       sugar,
	})

	sugar.Infow("node_starting",
		"delegations", led.Count(),
		"markets", markets.Count(),
		"manager", manager.Hex(),
		"dev_endpoints", cfg.Node.DevEndpoints)

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Info("node_stopped")
}
