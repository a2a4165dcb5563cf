package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avigliano/curve-engine/internal/api"
	"github.com/avigliano/curve-engine/internal/chain"
	"github.com/avigliano/curve-engine/internal/market"
	"github.com/avigliano/curve-engine/internal/platform/cache"
	"github.com/avigliano/curve-engine/internal/platform/config"
	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/quote"
	"github.com/avigliano/curve-engine/internal/token"
	"github.com/avigliano/curve-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("curve-engine", cfg.Observability.Metrics.Enabled)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	var tracer observability.Tracer
	if cfg.Observability.Tracing.Enabled {
		tracer = observability.NewTracer("curve-engine")
	} else {
		tracer = observability.NewNoopTracer()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache: in-process LRU in front of redis. Redis being down only
	// costs the shared layer, not the process.
	var cacheLayer cache.Cache
	memCache := cache.NewMemoryCache(cfg.Cache.L1MaxSize)
	if redisCache, err := cache.NewRedisCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.LogWarn(ctx, "redis unavailable, running on in-memory cache only", "error", err)
		cacheLayer = memCache
	} else {
		cacheLayer = cache.NewLayeredCache(memCache, redisCache)
	}
	defer cacheLayer.Close()

	endpoints, err := chainEndpoints(cfg)
	if err != nil {
		logger.Error("invalid chain configuration", "error", err)
		os.Exit(1)
	}

	rpcPool, err := chain.NewPool(chain.PoolConfig{
		Endpoints: endpoints,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.Error("failed to build rpc pool", "error", err)
		os.Exit(1)
	}

	backfiller := chain.NewBackfiller(chain.BackfillerConfig{
		InitialChunk: cfg.Backfill.InitialChunk,
		MinChunk:     cfg.Backfill.MinChunk,
		MaxChunk:     cfg.Backfill.MaxChunk,
		MaxCalls:     cfg.Backfill.MaxCalls,
	}, logger, metrics, tracer)

	normalizer, err := market.NewNormalizer(logger)
	if err != nil {
		logger.Error("failed to build trade normalizer", "error", err)
		os.Exit(1)
	}

	snapshots := trade.NewSnapshotReader(rpcPool, logger, tracer)

	history := market.NewHistoryService(
		rpcPool,
		backfiller,
		normalizer,
		chain.NewTimestampResolver(cfg.Market.TimestampWorkers, logger),
		cacheLayer,
		snapshots.SpotPrice,
		market.HistoryConfig{
			CandleBucket:    cfg.Market.CandleBucket,
			CandleWindow:    cfg.Market.CandleWindow,
			RefreshInterval: cfg.Market.RefreshInterval,
			RefreshTimeout:  cfg.Market.RefreshTimeout,
			WantLogs:        cfg.Backfill.WantLogs,
		},
		logger, metrics, tracer,
	)

	engine := quote.NewEngine(quote.EngineConfig{
		DefaultSlippageBps: cfg.Trade.DefaultSlippageBps,
		MaxSlippageBps:     cfg.Trade.MaxSlippageBps,
		Adaptive:           cfg.Trade.AdaptiveSlippage,
	})

	reconciler := trade.NewAllowanceReconciler(trade.ReconcilerConfig{
		PollTries: cfg.Trade.ApprovalPollTries,
		PollDelay: cfg.Trade.ApprovalPollDelay,
	}, logger, metrics, tracer)

	preflight := trade.NewPreflight(trade.PreflightConfig{
		GasMarginPct:        cfg.Trade.GasMarginPct,
		FallbackGasPriceWei: cfg.Trade.FallbackGasPriceWei,
	}, logger, metrics)

	backendFn := poolBackend(rpcPool)

	signer, err := loadSigner(cfg)
	if err != nil {
		logger.Error("failed to load signer", "error", err)
		os.Exit(1)
	}

	orchestrator := trade.NewOrchestrator(
		backendFn, snapshots, engine, reconciler, preflight, signer,
		logger, metrics, tracer,
	)

	probe := trade.NewMinBuyProbe(0, logger)
	minBuy := func(ctx context.Context, chainID uint64, pool common.Address) (*big.Int, error) {
		backend, err := backendFn(ctx, chainID)
		if err != nil {
			return nil, err
		}
		// Upper bound of one native unit: anything above that is not a
		// "minimum buy" worth advertising
		return probe.Probe(ctx, backend, signer.Address(), pool, big.NewInt(0), big.NewInt(1e18))
	}

	var registry token.Registry
	if cfg.Registry.BaseURL != "" {
		registry = token.NewCachedRegistry(
			token.NewHTTPRegistry(cfg.Registry.BaseURL, cfg.Registry.Timeout, logger, metrics),
			cacheLayer, cfg.Registry.CacheTTL, logger, metrics,
		)
	}

	hub := api.NewHub(logger, metrics)
	history.Subscribe(hub.BroadcastTrade)

	server := api.NewServer(api.Deps{
		History:      history,
		Orchestrator: orchestrator,
		Registry:     registry,
		MinBuy:       minBuy,
		Hub:          hub,
		Logger:       logger,
		Metrics:      metrics,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: server.Handler(),
	}

	go func() {
		logger.LogInfo(ctx, "http server listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	// Watch every configured pool for new trades and stream them out
	for chainID, pools := range watchedPools() {
		for _, pool := range pools {
			go history.Watch(ctx, chainID, pool)
		}
	}

	<-ctx.Done()
	logger.LogInfo(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

// chainEndpoints converts the string-keyed config map into chain ids
func chainEndpoints(cfg *config.Config) (map[uint64][]string, error) {
	out := make(map[uint64][]string, len(cfg.Chains))
	for key, chainCfg := range cfg.Chains {
		chainID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain key %q is not a chain id: %w", key, err)
		}
		out[chainID] = chainCfg.Endpoints
	}
	return out, nil
}

// poolBackend adapts the read pool to the write-capable backend the trade
// path needs. ethclient satisfies both interfaces; fakes in tests do too.
func poolBackend(rpcPool *chain.Pool) trade.BackendFunc {
	return func(ctx context.Context, chainID uint64) (trade.Backend, error) {
		client, err := rpcPool.Acquire(ctx, chainID)
		if err != nil {
			return nil, err
		}
		backend, ok := client.(trade.Backend)
		if !ok {
			return nil, fmt.Errorf("rpc client for chain %d cannot send transactions", chainID)
		}
		return backend, nil
	}
}

// loadSigner builds the trading signer from the TRADER_PRIVATE_KEY env
// var, bound to the lowest configured chain id
func loadSigner(cfg *config.Config) (trade.Signer, error) {
	hexKey := os.Getenv("TRADER_PRIVATE_KEY")
	if hexKey == "" {
		return nil, errors.New("TRADER_PRIVATE_KEY environment variable is required")
	}

	var chainID uint64
	for key := range cfg.Chains {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		if chainID == 0 || id < chainID {
			chainID = id
		}
	}
	if chainID == 0 {
		return nil, errors.New("no valid chain id configured")
	}

	return trade.NewKeySigner(hexKey, new(big.Int).SetUint64(chainID))
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// watchedPools reads the POOLS env var: comma-separated chainID:address
// pairs, e.g. "56:0xabc...,97:0xdef..."
func watchedPools() map[uint64][]common.Address {
	raw := os.Getenv("POOLS")
	out := make(map[uint64][]common.Address)
	if raw == "" {
		return out
	}
	for _, entry := range splitAndTrim(raw, ",") {
		parts := splitAndTrim(entry, ":")
		if len(parts) != 2 || !common.IsHexAddress(parts[1]) {
			continue
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out[chainID] = append(out[chainID], common.HexToAddress(parts[1]))
	}
	return out
}
