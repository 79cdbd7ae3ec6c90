package params

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Ledger struct {
	// Inclusive bounds on a delegation's lifetime
	MinDuration time.Duration
	MaxDuration time.Duration
	// How often expired delegations are settled automatically; 0 disables
	KeeperInterval time.Duration
}

type Orders struct {
	DefaultSlippageBps int64
	// Stop-loss orders use slippage × this multiplier to favor fills
	StopLossSlippageMultiplier int64
	BaseExecutionFee           *big.Int // wei
	ExecutionBufferBps         int64    // 13000 = 1.3x
	// DebugMode builds and logs payloads but never submits them
	DebugMode bool
}

type Node struct {
	DataDir string
	APIAddr string
	LogFile string
	// DevEndpoints exposes vault deposit/approve over HTTP
	DevEndpoints bool
	// UnsignedLedgerCalls accepts ledger calls without an EIP-712 signature
	UnsignedLedgerCalls bool
}

type Chain struct {
	RPCURL         string
	ChainID        int64
	PrivateKey     string // hex, no 0x prefix required
	OrderVault        string
	ExchangeRouter    string
	DelegationManager string // verifying contract for signed ledger calls
}

type Config struct {
	Ledger    Ledger
	Orders    Orders
	Node      Node
	Chain     Chain
	OracleURL string
	// OracleCacheTTL reuses a ticker response for this long; 0 fetches per call
	OracleCacheTTL time.Duration
}

func Default() Config {
	return Config{
		Ledger: Ledger{
			MinDuration:    time.Hour,
			MaxDuration:    365 * 24 * time.Hour,
			KeeperInterval: 30 * time.Second,
		},
		Orders: Orders{
			DefaultSlippageBps:         50,
			StopLossSlippageMultiplier: 2,
			BaseExecutionFee:           big.NewInt(200_000_000_000_000), // 0.0002 ETH
			ExecutionBufferBps:         13000,
			DebugMode:                  true, // never submit unless explicitly disabled
		},
		Node: Node{
			DataDir: "./data",
			APIAddr: ":8080",
			LogFile: "./logs/perpguard.log",
		},
		Chain: Chain{
			RPCURL:            "https://arb1.arbitrum.io/rpc",
			ChainID:           42161,
			OrderVault:        "0x31eF83a530Fde1B38EE9A18093A333D8Bbbc40D5",
			ExchangeRouter:    "0x900173A66dbD345006C51fA35fA3aB760FcD843b",
			DelegationManager: "0x000000000000000000000000000000000000de1e",
		},
		OracleURL: "https://arbitrum-api.gmxinfra.io/prices/tickers",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if sec := getEnvInt("LEDGER_MIN_DURATION_SEC"); sec > 0 {
		cfg.Ledger.MinDuration = time.Duration(sec) * time.Second
	}
	if sec := getEnvInt("LEDGER_MAX_DURATION_SEC"); sec > 0 {
		cfg.Ledger.MaxDuration = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("LEDGER_KEEPER_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec >= 0 {
			cfg.Ledger.KeeperInterval = time.Duration(sec) * time.Second
		}
	}

	if bps := os.Getenv("ORDER_DEFAULT_SLIPPAGE_BPS"); bps != "" {
		if v, err := strconv.ParseInt(bps, 10, 64); err == nil && v >= 0 {
			cfg.Orders.DefaultSlippageBps = v
		}
	}
	if m := getEnvInt("ORDER_SL_SLIPPAGE_MULTIPLIER"); m > 0 {
		cfg.Orders.StopLossSlippageMultiplier = m
	}
	if fee := os.Getenv("ORDER_BASE_EXECUTION_FEE_WEI"); fee != "" {
		if v, ok := new(big.Int).SetString(fee, 10); ok && v.Sign() >= 0 {
			cfg.Orders.BaseExecutionFee = v
		}
	}
	if b := getEnvInt("ORDER_EXECUTION_BUFFER_BPS"); b > 0 {
		cfg.Orders.ExecutionBufferBps = b
	}
	if debug := os.Getenv("DEBUG_MODE"); debug != "" {
		cfg.Orders.DebugMode = debug == "true"
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.DevEndpoints = os.Getenv("DEV_ENDPOINTS") == "true"
	cfg.Node.UnsignedLedgerCalls = os.Getenv("UNSIGNED_LEDGER_CALLS") == "true"

	cfg.Chain.RPCURL = getEnv("RPC_URL", cfg.Chain.RPCURL)
	if id := getEnvInt("CHAIN_ID"); id > 0 {
		cfg.Chain.ChainID = id
	}
	cfg.Chain.PrivateKey = getEnv("PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.OrderVault = getEnv("ORDER_VAULT", cfg.Chain.OrderVault)
	cfg.Chain.ExchangeRouter = getEnv("EXCHANGE_ROUTER", cfg.Chain.ExchangeRouter)
	cfg.Chain.DelegationManager = getEnv("DELEGATION_MANAGER", cfg.Chain.DelegationManager)

	cfg.OracleURL = getEnv("ORACLE_URL", cfg.OracleURL)
	if ms := getEnvInt("ORACLE_CACHE_TTL_MS"); ms > 0 {
		cfg.OracleCacheTTL = time.Duration(ms) * time.Millisecond
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns 0 when unset or unparsable
func getEnvInt(key string) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
