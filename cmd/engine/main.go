package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbexec/configs"
	"arbexec/internal/breaker"
	"arbexec/internal/bridge"
	"arbexec/internal/commitreveal"
	"arbexec/internal/consumer"
	"arbexec/internal/db"
	"arbexec/internal/engine"
	"arbexec/internal/gas"
	"arbexec/internal/health"
	"arbexec/internal/locktracker"
	"arbexec/internal/logging"
	"arbexec/internal/metrics"
	"arbexec/internal/mev"
	"arbexec/internal/nonce"
	"arbexec/internal/onchain"
	"arbexec/internal/provider"
	"arbexec/internal/queue"
	"arbexec/internal/risk"
	"arbexec/internal/simulation"
	"arbexec/internal/standby"
	"arbexec/internal/store"
	"arbexec/internal/streambus"
	"arbexec/internal/strategy"
	"arbexec/pkg/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file overlaying secrets")
	flag.Parse()

	cfg, err := configs.LoadConfig(*configPath, *envPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Production: cfg.Production})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	q := queue.New(queue.Config{
		MaxSize:       cfg.Queue.MaxSize,
		HighWaterMark: cfg.Queue.HighWaterMark,
		LowWaterMark:  cfg.Queue.LowWaterMark,
	}, log)

	nonces := nonce.New(nil, log)

	chainClients, ethBuilder, feeProviders, gasChains := dialChains(ctx, cfg, log)

	gasOpt := gas.New(gas.Config{
		MaxGasHistory:           cfg.Gas.MaxGasHistory,
		DefaultMedianCacheTTL:   cfg.Gas.DefaultMedianCacheTTL,
		FastChainMedianCacheTTL: cfg.Gas.FastChainMedianCacheTTL,
		EMASmoothingFactor:      cfg.Gas.EMASmoothingFactor,
		Chains:                  gasChains,
	}, nil, log, m)

	br := breaker.New(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		CooldownDuration:  cfg.Breaker.CooldownDuration,
		HalfOpenMaxProbes: cfg.Breaker.HalfOpenMaxProbes,
	}, nil, log)

	registry := buildProviderRegistry(cfg, nonces, log)
	if err := registry.Connect(ctx); err != nil {
		panic(err)
	}

	locks := locktracker.New(locktracker.Config{
		MaxEntryAge:            cfg.LockTracker.MaxEntryAge,
		RecoveryCountThreshold: cfg.LockTracker.RecoveryCountThreshold,
		RecoveryMinAge:         cfg.LockTracker.RecoveryMinAge,
	}, nil, log)

	mevShaper := mev.New(buildMevChains(cfg), &legacyGasAdapter{gas: gasOpt, providers: feeProviders}, log)
	bridgeFilter := bridge.New()

	st := buildStore(cfg)
	bus := buildStreamBus(cfg)

	commitRevealContracts := make(map[string]string)
	for chain, cc := range cfg.Chains {
		if cc.CommitRevealContract != "" {
			commitRevealContracts[chain] = cc.CommitRevealContract
		}
	}
	var crMgr *commitreveal.Manager
	if len(commitRevealContracts) > 0 {
		crMgr = commitreveal.New(st, onchain.NewCommitRevealClient(ethBuilder, commitRevealContracts), commitreveal.Config{
			StorageTTL:                    cfg.CommitReveal.StorageTTL,
			PollInterval:                  cfg.CommitReveal.PollInterval,
			MaxPollAttempts:               cfg.CommitReveal.MaxPollAttempts,
			MaxConsecutiveTransientErrors: cfg.CommitReveal.MaxConsecutiveTransientErrors,
		}, log)
	}
	_ = crMgr // wired for future commit-reveal strategies; SimpleSwap does not use it

	riskOrch := risk.New(risk.Config{MaxInFlightTrades: cfg.Risk.MaxInFlightTrades}, risk.NewSimpleDrawdownBreaker(cfg.Risk.MaxDrawdownUsd), log)

	var simAdapter *engine.SimulationAdapter
	if cfg.Simulation.Enabled {
		ethCallClients := make(map[string]*ethclient.Client, len(chainClients))
		for chain, cc := range chainClients {
			ethCallClients[chain] = cc.Client
		}
		simSvc := simulation.New([]simulation.Backend{onchain.NewEthCallBackend(ethCallClients)}, simulation.Config{
			PerBackendTimeout: cfg.Simulation.PerBackendTimeout,
		}, log)
		simAdapter = engine.NewSimulationAdapter(simSvc)
	}

	routerBy := make(map[string]string)
	for chain, cc := range cfg.Chains {
		if cc.RouterAddress != "" {
			routerBy[chain] = cc.RouterAddress
		}
	}
	simpleSwap := strategy.NewSimpleSwap(ethBuilder, routerBy)
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) {
		if t == types.TypeSimple {
			return simpleSwap, true
		}
		return nil, false
	}

	var sim engine.Simulator
	if simAdapter != nil {
		sim = simAdapter
	}

	cons := consumer.New(bus, q, consumer.Config{
		StreamName:           cfg.Consumer.StreamName,
		GroupName:            cfg.Consumer.GroupName,
		ConsumerName:         cfg.InstanceID,
		DeadLetterStream:     cfg.Consumer.DeadLetterStream,
		ServiceName:          cfg.ServiceName,
		InstanceID:           cfg.InstanceID,
		BatchSize:            cfg.Consumer.BatchSize,
		BlockMs:              cfg.Consumer.BlockMs,
		CleanupInterval:      cfg.Consumer.CleanupInterval,
		PendingMessageMaxAge: cfg.Consumer.PendingMessageMaxAge,
	}, nil, log, validateOpportunity)

	eng := engine.New(q, cons, br, riskOrch, factory, sim, m, engine.Config{
		MinSimulationProfitUsd: cfg.Engine.MinSimulationProfitUsd,
		TimeCriticalMs:         cfg.Engine.TimeCriticalMs,
		DequeuePollInterval:    cfg.Engine.DequeuePollInterval,
	}, log)

	var statsRecorder *db.StatsRecorder
	if dsn := cfg.MySQLDSN(); dsn != "" {
		statsRecorder, err = db.NewStatsRecorder(dsn)
		if err != nil {
			panic(err)
		}
		defer statsRecorder.Close()
	}

	mon := health.New(gasOpt, locks, eng, q, cons, bus, st, wrapStatsRecorder(statsRecorder), health.Config{
		ServiceName:        cfg.ServiceName,
		Interval:           cfg.Health.Interval,
		GasHistoryMaxAge:   cfg.Health.GasHistoryMaxAge,
		GasHistoryMaxCount: cfg.Health.GasHistoryMaxCount,
		HealthStream:       cfg.Health.HealthStream,
		ServiceKeyTTL:      cfg.Health.ServiceKeyTTL,
	}, log)

	standbyMgr := standby.New(
		q, registry,
		func(ctx context.Context) error { return nil }, // mev has no async init step today
		func(ctx context.Context) error { return nil }, // bridge is stateless
		noopNonceStarter{},
		&simulationToggle{engine: eng, enabled: cfg.Simulation.Enabled},
		bus, cfg.Health.HealthStream,
		standby.Config{
			ActivationDisablesSimulation: cfg.Standby.ActivationDisablesSimulation,
			RegionID:                     cfg.Standby.RegionID,
		}, log,
	)

	if cfg.Standby.IsStandby {
		q.Pause()
		log.Infow("arbexec: starting in standby mode", "regionId", cfg.Standby.RegionID)
	} else if _, err := standbyMgr.Activate(ctx); err != nil {
		panic(err)
	}

	_ = mevShaper // not passed to any Strategy or to the Engine; SimpleSwap applies no MEV protection

	cons.Start(ctx)
	eng.Start(ctx)
	mon.Start(ctx)

	log.Infow("arbexec: engine started", "service", cfg.ServiceName, "instance", cfg.InstanceID)
	<-ctx.Done()
	log.Infow("arbexec: shutting down")

	eng.Stop()
	cons.Stop()
	mon.Stop()
}

// dialChains connects a direct ethclient.Client to every configured
// chain (independent of provider.Registry's own connection, which the
// Registry owns and reconnects autonomously) for use by the gas,
// simulation, and on-chain transaction-building subsystems.
func dialChains(ctx context.Context, cfg *configs.Config, log *zap.SugaredLogger) (map[string]onchain.ChainClients, *onchain.EthBuilder, map[string]gas.FeeProvider, map[string]gas.ChainConfig) {
	chainClients := make(map[string]onchain.ChainClients, len(cfg.Chains))
	feeProviders := make(map[string]gas.FeeProvider, len(cfg.Chains))
	gasChains := make(map[string]gas.ChainConfig, len(cfg.Chains))

	for chain, cc := range cfg.Chains {
		client, err := ethclient.DialContext(ctx, cc.RPCURL)
		if err != nil {
			panic(fmt.Errorf("dial %s: %w", chain, err))
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			panic(fmt.Errorf("fetch chain id for %s: %w", chain, err))
		}

		key, err := crypto.HexToECDSA(cc.SigningKey())
		if err != nil {
			panic(fmt.Errorf("parse signing key for %s: %w", chain, err))
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)

		var routerAddr common.Address
		if cc.RouterAddress != "" {
			routerAddr = common.HexToAddress(cc.RouterAddress)
		}

		chainClients[chain] = onchain.ChainClients{
			Client:     client,
			SigningKey: key,
			Address:    addr,
			ChainID:    chainID,
			RouterAddr: routerAddr,
		}
		feeProviders[chain] = client

		minWei, _ := new(big.Int).SetString(cc.MinGasWei, 10)
		maxWei, _ := new(big.Int).SetString(cc.MaxGasWei, 10)
		gasChains[chain] = gas.ChainConfig{
			MinWei:          minWei,
			MaxWei:          maxWei,
			SpikeMultiplier: cc.SpikeMultiplier,
			BlockTimeMs:     cc.BlockTimeMs,
		}
	}

	return chainClients, onchain.NewEthBuilder(chainClients), feeProviders, gasChains
}

func buildProviderRegistry(cfg *configs.Config, nonces *nonce.Allocator, log *zap.SugaredLogger) *provider.Registry {
	cfgMap := make(map[string]provider.ChainConfig, len(cfg.Chains))
	for chain, cc := range cfg.Chains {
		cfgMap[chain] = provider.ChainConfig{
			RPCURL:             cc.RPCURL,
			SigningKeyHex:      cc.SigningKey(),
			SeedPhrase:         cc.SeedPhrase(),
			ReconnectThreshold: cc.ReconnectThreshold,
			HealthCheckTimeout: cc.HealthCheckTimeout,
		}
	}
	dial := func(ctx context.Context, rpcURL string) (provider.ChainClient, error) {
		return ethclient.DialContext(ctx, rpcURL)
	}
	return provider.New(cfgMap, dial, nonces, log)
}

func buildMevChains(cfg *configs.Config) map[string]mev.ChainSettings {
	out := make(map[string]mev.ChainSettings, len(cfg.Mev))
	for chain, mc := range cfg.Mev {
		providers := make([]mev.ProviderSettings, 0, len(mc.Providers))
		for name, pc := range mc.Providers {
			providers = append(providers, mev.ProviderSettings{Name: name, Enabled: pc.Enabled})
		}
		var maxPriorityFeeWei *big.Int
		if mc.MaxPriorityFeeGwei > 0 {
			maxPriorityFeeWei = new(big.Int).Mul(big.NewInt(int64(mc.MaxPriorityFeeGwei*1e9)), big.NewInt(1))
		}
		out[chain] = mev.ChainSettings{
			Disabled:               mc.Disabled,
			MinProfitForProtection: mc.MinProfitForProtection,
			MaxPriorityFeeWei:      maxPriorityFeeWei,
			Providers:              providers,
		}
	}
	return out
}

func buildStore(cfg *configs.Config) store.Store {
	if addr := cfg.RedisAddr(); addr != "" {
		return store.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
	}
	return store.NewMemStore(time.Minute)
}

func buildStreamBus(cfg *configs.Config) streambus.StreamBus {
	if addr := cfg.RedisAddr(); addr != "" {
		return streambus.NewRedisBus(redis.NewClient(&redis.Options{Addr: addr}))
	}
	return streambus.NewMemBus()
}

// validateOpportunity applies the business-rule checks beyond the
// Consumer's own structural validation: a confidence floor below which
// an opportunity is not worth the gas to attempt.
func validateOpportunity(opp *types.Opportunity) (bool, string) {
	if opp.Confidence < 0.5 {
		return false, "confidence below minimum threshold"
	}
	if !types.KnownTypes[opp.Type] {
		return false, "unknown opportunity type"
	}
	return true, ""
}

// wrapStatsRecorder returns a nil health.StatsRecorder interface for a
// nil *db.StatsRecorder, rather than a non-nil interface wrapping a nil
// pointer — health.Monitor's "stats == nil disables persistence" check
// would otherwise never see the disabled case.
func wrapStatsRecorder(r *db.StatsRecorder) health.StatsRecorder {
	if r == nil {
		return nil
	}
	return r
}

// legacyGasAdapter bridges gas.Optimizer (whose GetOptimalGasPrice
// needs a per-call FeeProvider) into mev.LegacyGasSource's narrower,
// provider-free shape.
type legacyGasAdapter struct {
	gas       *gas.Optimizer
	providers map[string]gas.FeeProvider
}

func (a *legacyGasAdapter) GetOptimalGasPrice(ctx context.Context, chain string) (*big.Int, error) {
	return a.gas.GetOptimalGasPrice(ctx, chain, a.providers[chain])
}

// noopNonceStarter satisfies standby.NonceStarter: the in-process
// nonce.Allocator has no async startup step, unlike a networked nonce
// coordinator a future deployment might substitute.
type noopNonceStarter struct{}

func (noopNonceStarter) Start(ctx context.Context) error { return nil }

// simulationToggle satisfies standby.SimulationToggle by disabling the
// live Engine's simulator in place, so standby activation under time
// pressure can skip simulation latency without rebuilding the Engine.
type simulationToggle struct {
	engine  *engine.Engine
	enabled bool
}

func (s *simulationToggle) Enabled() bool { return s.enabled }

func (s *simulationToggle) Disable() {
	s.enabled = false
	s.engine.DisableSimulation()
}
