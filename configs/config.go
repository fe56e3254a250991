// Package configs loads the engine's YAML configuration and overlays
// secrets (signing keys, DSNs, Redis address) from the environment,
// mirroring the teacher's config.yml + os.Getenv split but for the full
// execution-engine surface instead of one DEX's contract addresses.
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the entire configuration structure loaded from config.yml,
// with secrets overlaid from the environment afterward.
type Config struct {
	ServiceName string `yaml:"serviceName"`
	InstanceID  string `yaml:"instanceId"`
	LogLevel    string `yaml:"logLevel"`
	Production  bool   `yaml:"production"`

	Queue   QueueConfig             `yaml:"queue"`
	Consumer ConsumerConfig         `yaml:"consumer"`
	Gas     GasConfig               `yaml:"gas"`
	Breaker BreakerConfig           `yaml:"breaker"`
	Chains  map[string]ChainConfig  `yaml:"chains"`
	LockTracker LockTrackerConfig   `yaml:"lockTracker"`
	Risk    RiskConfig              `yaml:"risk"`
	Mev     map[string]MevChainConfig `yaml:"mev"`
	Bridge  BridgeConfig            `yaml:"bridge"`
	CommitReveal CommitRevealConfig `yaml:"commitReveal"`
	Standby StandbyConfig          `yaml:"standby"`
	Simulation SimulationConfig    `yaml:"simulation"`
	Engine  EngineConfig           `yaml:"engine"`
	Health  HealthConfig           `yaml:"health"`
	Redis   RedisConfig            `yaml:"redis"`
	MySQL   MySQLConfig            `yaml:"mysql"`
}

type QueueConfig struct {
	MaxSize       int `yaml:"maxSize"`
	HighWaterMark int `yaml:"highWaterMark"`
	LowWaterMark  int `yaml:"lowWaterMark"`
}

type ConsumerConfig struct {
	StreamName          string        `yaml:"streamName"`
	GroupName           string        `yaml:"groupName"`
	DeadLetterStream    string        `yaml:"deadLetterStream"`
	BatchSize           int           `yaml:"batchSize"`
	BlockMs             int64         `yaml:"blockMs"`
	CleanupInterval     time.Duration `yaml:"cleanupInterval"`
	PendingMessageMaxAge time.Duration `yaml:"pendingMessageMaxAge"`
}

type ChainConfig struct {
	RPCURL                string        `yaml:"rpcUrl"`
	MinGasWei             string        `yaml:"minGasWei"`
	MaxGasWei             string        `yaml:"maxGasWei"`
	SpikeMultiplier       float64       `yaml:"spikeMultiplier"`
	BlockTimeMs           int64         `yaml:"blockTimeMs"`
	ReconnectThreshold    int           `yaml:"reconnectThreshold"`
	HealthCheckTimeout    time.Duration `yaml:"healthCheckTimeout"`
	RouterAddress         string        `yaml:"routerAddress"`
	CommitRevealContract  string        `yaml:"commitRevealContract"`

	// SigningKeyEnv/SeedPhraseEnv name the environment variables holding
	// the actual secret material; the YAML file never carries a key
	// directly.
	SigningKeyEnv string `yaml:"signingKeyEnv"`
	SeedPhraseEnv string `yaml:"seedPhraseEnv"`

	signingKey string
	seedPhrase string
}

type GasConfig struct {
	MaxGasHistory           int           `yaml:"maxGasHistory"`
	DefaultMedianCacheTTL   time.Duration `yaml:"defaultMedianCacheTtl"`
	FastChainMedianCacheTTL time.Duration `yaml:"fastChainMedianCacheTtl"`
	EMASmoothingFactor      float64       `yaml:"emaSmoothingFactor"`
}

type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failureThreshold"`
	CooldownDuration  time.Duration `yaml:"cooldownDuration"`
	HalfOpenMaxProbes int           `yaml:"halfOpenMaxProbes"`
}

type LockTrackerConfig struct {
	MaxEntryAge            time.Duration `yaml:"maxEntryAge"`
	RecoveryCountThreshold int           `yaml:"recoveryCountThreshold"`
	RecoveryMinAge         time.Duration `yaml:"recoveryMinAge"`
}

type RiskConfig struct {
	MaxInFlightTrades int     `yaml:"maxInFlightTrades"`
	MaxDrawdownUsd    float64 `yaml:"maxDrawdownUsd"`
}

type MevChainConfig struct {
	Disabled               bool                       `yaml:"disabled"`
	MinProfitForProtection float64                    `yaml:"minProfitForProtection"`
	MaxPriorityFeeGwei     float64                    `yaml:"maxPriorityFeeGwei"`
	Providers              map[string]MevProviderConfig `yaml:"providers"`
}

type MevProviderConfig struct {
	Enabled bool `yaml:"enabled"`
}

type BridgeConfig struct {
	MaxFeePercentage float64 `yaml:"maxFeePercentage"`
}

type CommitRevealConfig struct {
	StorageTTL                    time.Duration `yaml:"storageTtl"`
	PollInterval                  time.Duration `yaml:"pollInterval"`
	MaxPollAttempts                int          `yaml:"maxPollAttempts"`
	MaxConsecutiveTransientErrors  int          `yaml:"maxConsecutiveTransientErrors"`
}

type StandbyConfig struct {
	IsStandby                    bool   `yaml:"isStandby"`
	ActivationDisablesSimulation bool   `yaml:"activationDisablesSimulation"`
	RegionID                     string `yaml:"regionId"`
}

type SimulationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PerBackendTimeout time.Duration `yaml:"perBackendTimeout"`
	PreferredOrder    []string      `yaml:"preferredOrder"`
}

type EngineConfig struct {
	MinSimulationProfitUsd float64       `yaml:"minSimulationProfitUsd"`
	TimeCriticalMs         int64         `yaml:"timeCriticalMs"`
	DequeuePollInterval    time.Duration `yaml:"dequeuePollInterval"`
}

type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	GasHistoryMaxAge   time.Duration `yaml:"gasHistoryMaxAge"`
	GasHistoryMaxCount int           `yaml:"gasHistoryMaxCount"`
	HealthStream       string        `yaml:"healthStream"`
	ServiceKeyTTL      time.Duration `yaml:"serviceKeyTtl"`
}

type RedisConfig struct {
	AddrEnv string `yaml:"addrEnv"` // env var naming the Redis address; empty uses in-memory Store/StreamBus
	addr    string
}

type MySQLConfig struct {
	DSNEnv string `yaml:"dsnEnv"` // env var naming the MySQL DSN; empty disables stats persistence
	dsn    string
}

// LoadConfig reads config.yml, overlays secrets from the environment
// (loading envPath via godotenv first if it exists — a missing .env is
// not an error, matching local-dev vs. container-env deployments), and
// validates the result.
func LoadConfig(yamlPath, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("configs: failed to load env file: %w", err)
		}
	}

	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("configs: failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("configs: failed to parse config YAML: %w", err)
	}

	cfg.overlaySecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlaySecrets() {
	for name, cc := range c.Chains {
		if cc.SigningKeyEnv != "" {
			cc.signingKey = os.Getenv(cc.SigningKeyEnv)
		}
		if cc.SeedPhraseEnv != "" {
			cc.seedPhrase = os.Getenv(cc.SeedPhraseEnv)
		}
		c.Chains[name] = cc
	}
	if c.Redis.AddrEnv != "" {
		c.Redis.addr = os.Getenv(c.Redis.AddrEnv)
	}
	if c.MySQL.DSNEnv != "" {
		c.MySQL.dsn = os.Getenv(c.MySQL.DSNEnv)
	}
}

// SigningKey returns the chain's signing key material, resolved from the
// environment variable named by SigningKeyEnv.
func (cc ChainConfig) SigningKey() string { return cc.signingKey }

// SeedPhrase returns the chain's seed phrase material, resolved from the
// environment variable named by SeedPhraseEnv.
func (cc ChainConfig) SeedPhrase() string { return cc.seedPhrase }

// RedisAddr returns the resolved Redis address, or "" to use the
// in-memory Store/StreamBus implementations.
func (c *Config) RedisAddr() string { return c.Redis.addr }

// MySQLDSN returns the resolved MySQL DSN, or "" to disable stats
// persistence.
func (c *Config) MySQLDSN() string { return c.MySQL.dsn }

// Validate enforces fatal, construction-time invariants this config
// cannot recover from at runtime. In particular: simulation mode must
// never be silently disabled in a production deployment, since that
// would let unvetted transactions reach mainnet.
func (c *Config) Validate() error {
	if c.Queue.LowWaterMark >= c.Queue.HighWaterMark || c.Queue.HighWaterMark > c.Queue.MaxSize || c.Queue.MaxSize <= 0 {
		return fmt.Errorf("configs: invalid queue water marks: lowWaterMark < highWaterMark <= maxSize must hold")
	}
	if c.Production && !c.Simulation.Enabled && !c.Standby.IsStandby {
		return fmt.Errorf("configs: simulation must be enabled for a production, non-standby deployment")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("configs: at least one chain must be configured")
	}
	return nil
}
