package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/park285/colordrop-pool/internal/ledger"
)

// AppConfig is the client configuration.
type AppConfig struct {
	RPCURL          string `env:"RPC_URL"`
	WalletRPCURL    string `env:"WALLET_RPC_URL"`
	ContractAddress string `env:"CONTRACT_ADDRESS"`
	ChainID         uint64 `env:"CHAIN_ID" envDefault:"42220"`
	ChainName       string `env:"CHAIN_NAME" envDefault:"Celo"`

	EntryFeeWei         string `env:"ENTRY_FEE_WEI" envDefault:"100000000000000000"`
	PoolSize            int    `env:"POOL_SIZE" envDefault:"9"`
	UnverifiedSlotLimit int    `env:"UNVERIFIED_SLOT_LIMIT" envDefault:"2"`
	// 1st, 2nd, 3rd. Display only; the contract pays what it pays.
	PrizeAmountsWei []string `env:"PRIZE_AMOUNTS_WEI" envSeparator:"," envDefault:"700000000000000000,500000000000000000,250000000000000000"`

	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	RoundDuration       time.Duration `env:"ROUND_DURATION" envDefault:"10s"`
	VerifyPollInterval  time.Duration `env:"VERIFY_POLL_INTERVAL" envDefault:"5s"`
	VerifyMaxAttempts   int           `env:"VERIFY_MAX_ATTEMPTS" envDefault:"60"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"`
	Confirmations       uint64        `env:"CONFIRMATIONS" envDefault:"1"`
	FinalizeTimeout     time.Duration `env:"FINALIZE_TIMEOUT" envDefault:"2m"`
	PastPoolsLimit      int           `env:"PAST_POOLS_LIMIT" envDefault:"10"`

	OracleURL string `env:"ORACLE_URL"`
	Identity  string `env:"IDENTITY"`
	FID       uint64 `env:"FID"`

	RedisURL    string        `env:"REDIS_URL"`
	DatabaseURL string        `env:"DATABASE_URL"`
	ResultTTL   time.Duration `env:"RESULT_TTL" envDefault:"24h"`

	FeedAddr    string `env:"FEED_ADDR" envDefault:"127.0.0.1:8787"`
	MessagesDir string `env:"MESSAGES_DIR"`

	SelfScope       string `env:"SELF_SCOPE" envDefault:"colordrop"`
	SelfAppName     string `env:"SELF_APP_NAME" envDefault:"ColorDrop"`
	SelfEndpoint    string `env:"SELF_ENDPOINT"`
	SelfCallbackURL string `env:"SELF_CALLBACK_URL"`

	// Dev runs against the in-memory ledger; RPC settings are not required.
	Dev bool `env:"DEV_MODE"`
}

// Load parses the environment and validates it. dev forces Dev on.
func Load(dev bool) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Dev = cfg.Dev || dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if !c.Dev {
		if strings.TrimSpace(c.RPCURL) == "" {
			return errors.New("RPC_URL is required")
		}
		if _, ok := ledger.ParseIdentity(c.ContractAddress); !ok {
			return errors.New("CONTRACT_ADDRESS must be a 0x address")
		}
		if strings.TrimSpace(c.OracleURL) == "" {
			return errors.New("ORACLE_URL is required")
		}
	}
	if c.ChainID == 0 {
		return errors.New("CHAIN_ID must be positive")
	}
	if c.PoolSize <= 0 {
		return errors.New("POOL_SIZE must be positive")
	}
	if c.UnverifiedSlotLimit <= 0 || c.UnverifiedSlotLimit > c.PoolSize {
		return fmt.Errorf("UNVERIFIED_SLOT_LIMIT must be in 1..%d", c.PoolSize)
	}
	if _, err := parseWei(c.EntryFeeWei); err != nil {
		return fmt.Errorf("ENTRY_FEE_WEI: %w", err)
	}
	if len(c.PrizeAmountsWei) != 3 {
		return errors.New("PRIZE_AMOUNTS_WEI needs three comma-separated values")
	}
	for _, s := range c.PrizeAmountsWei {
		if _, err := parseWei(s); err != nil {
			return fmt.Errorf("PRIZE_AMOUNTS_WEI: %w", err)
		}
	}
	if c.Identity != "" {
		if _, ok := ledger.ParseIdentity(c.Identity); !ok {
			return errors.New("IDENTITY must be a 0x address")
		}
	}
	if c.RoundDuration <= 0 {
		return errors.New("ROUND_DURATION must be positive")
	}
	return nil
}

// EntryFee is the join fee in wei.
func (c *AppConfig) EntryFee() *big.Int {
	v, _ := parseWei(c.EntryFeeWei)
	return v
}

// Prizes are the display amounts for ranks 1..3.
func (c *AppConfig) Prizes() [3]*big.Int {
	var out [3]*big.Int
	for i := 0; i < 3 && i < len(c.PrizeAmountsWei); i++ {
		out[i], _ = parseWei(c.PrizeAmountsWei[i])
	}
	return out
}

// Contract is the pool contract address (zero in dev mode).
func (c *AppConfig) Contract() ledger.Identity {
	a, _ := ledger.ParseIdentity(c.ContractAddress)
	return a
}

// IdentityAddr is the configured identity, or NoIdentity when unset.
func (c *AppConfig) IdentityAddr() ledger.Identity {
	a, _ := ledger.ParseIdentity(c.Identity)
	return a
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

// OracleConfig is the verification oracle server configuration.
type OracleConfig struct {
	Addr            string        `env:"ORACLE_ADDR" envDefault:"127.0.0.1:8790"`
	Token           string        `env:"ORACLE_TOKEN"`
	RedisURL        string        `env:"REDIS_URL,required,notEmpty"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"5m"`
}

func LoadOracle() (*OracleConfig, error) {
	cfg := &OracleConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.VerificationTTL <= 0 {
		return nil, errors.New("VERIFICATION_TTL must be positive")
	}
	return cfg, nil
}
