package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Contract struct {
		Index       uint64 `json:"index"`
		Subindex    uint64 `json:"subindex"`
		ReceiveName string `json:"receiveName"`
	} `json:"contract"`
	// Settlement delays are pointers so an explicit zero (useful in dev)
	// is distinguishable from an absent field.
	Settlement struct {
		ConfirmWaitSecs  *int   `json:"confirmWaitSeconds"`
		ReleaseDelaySecs *int   `json:"releaseDelaySeconds"`
		SweepSchedule    string `json:"sweepSchedule"`
	} `json:"settlement"`
	Secrets struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Admin     string `json:"admin"`
	Contracts struct {
		DepositEscrow string `json:"DepositEscrow"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Retry      RetryConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	DLQPath              string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

type SettlementConfig struct {
	ConfirmWait   time.Duration
	ReleaseDelay  time.Duration
	SweepSchedule string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

const (
	defaultSeedPath        = "./seed.json"
	defaultDeploymentsPath = "./deployments.json"

	defaultConfirmWaitSecs  = 6
	defaultReleaseDelaySecs = 2
	defaultSweepSchedule    = "@every 1m"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(intOr(seedCfg.Timeouts.IdempotencyWindowSecs, 60)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "blokrentals-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		DLQPath:              envOr("DLQ_PATH", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	settlementCfg := SettlementConfig{
		ConfirmWait:   time.Duration(intPtrOr(seedCfg.Settlement.ConfirmWaitSecs, defaultConfirmWaitSecs)) * time.Second,
		ReleaseDelay:  time.Duration(intPtrOr(seedCfg.Settlement.ReleaseDelaySecs, defaultReleaseDelaySecs)) * time.Second,
		SweepSchedule: stringOr(seedCfg.Settlement.SweepSchedule, defaultSweepSchedule),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       intOr(seedCfg.Retry.MaxAttempts, 3),
		InitialBackoff:    time.Duration(intOr(seedCfg.Retry.InitialBackoffMs, 500)) * time.Millisecond,
		MaxBackoff:        time.Duration(intOr(seedCfg.Retry.MaxBackoffMs, 5000)) * time.Millisecond,
		BackoffMultiplier: intOr(seedCfg.Retry.BackoffMultiplier, 2),
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Settlement: settlementCfg,
		Retry:      retryCfg,
	}, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func intPtrOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
