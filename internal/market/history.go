package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/avigliano/curve-engine/internal/chain"
	"github.com/avigliano/curve-engine/internal/platform/cache"
	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// spotCacheTTL bounds how stale a cached spot price may get before the
// next candle request re-reads the pool
const spotCacheTTL = 10 * time.Second

// SpotPriceFunc reads the pool's current spot price in natural units.
// Wired to the trade-side snapshot reader at startup; kept as a function
// type so market carries no dependency on trading.
type SpotPriceFunc func(ctx context.Context, chainID uint64, pool common.Address) (float64, error)

// TradeListener receives every newly observed trade during watch refreshes
type TradeListener func(chainID uint64, pool common.Address, trade *Trade)

// HistoryConfig tunes the history service
type HistoryConfig struct {
	CandleBucket    time.Duration
	CandleWindow    time.Duration
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	WantLogs        int
}

// HistoryService assembles trade history and candles for a pool from raw
// chain logs: backfill, normalize, timestamp, aggregate.
type HistoryService struct {
	pool       *chain.Pool
	backfiller *chain.Backfiller
	normalizer *Normalizer
	resolver   *chain.TimestampResolver
	cache      cache.Cache
	spot       SpotPriceFunc
	cfg        HistoryConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     observability.Tracer

	mu        sync.Mutex
	listeners []TradeListener
	// seen tracks the newest (block, logIndex) broadcast per watched pool
	seen map[string][2]uint64
}

// NewHistoryService creates a new HistoryService
func NewHistoryService(
	pool *chain.Pool,
	backfiller *chain.Backfiller,
	normalizer *Normalizer,
	resolver *chain.TimestampResolver,
	cacheLayer cache.Cache,
	spot SpotPriceFunc,
	cfg HistoryConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer observability.Tracer,
) *HistoryService {
	if cfg.CandleBucket <= 0 {
		cfg.CandleBucket = time.Minute
	}
	if cfg.CandleWindow <= 0 {
		cfg.CandleWindow = 6 * time.Hour
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 4 * time.Second
	}
	if cfg.WantLogs <= 0 {
		cfg.WantLogs = 500
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &HistoryService{
		pool:       pool,
		backfiller: backfiller,
		normalizer: normalizer,
		resolver:   resolver,
		cache:      cacheLayer,
		spot:       spot,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		seen:       make(map[string][2]uint64),
	}
}

// Subscribe registers a listener for trades discovered by Watch
func (s *HistoryService) Subscribe(fn TradeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Trades returns the most recent trades of a pool, ascending by
// (block, logIndex). limit <= 0 uses the configured target count. The
// result may be shorter than limit when the chain holds fewer trades.
func (s *HistoryService) Trades(ctx context.Context, chainID uint64, pool common.Address, limit int) ([]*Trade, error) {
	ctx, span := s.tracer.StartSpan(ctx, "HistoryService.Trades",
		observability.WithAttributes(
			attribute.Int64("chain_id", int64(chainID)),
			attribute.String("pool", pool.Hex()),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = s.cfg.WantLogs
	}

	client, err := s.pool.Acquire(ctx, chainID)
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	filter := chain.Filter{
		Addresses: []common.Address{pool},
		Topics:    s.normalizer.Topics(),
	}

	logs, err := s.backfiller.Backfill(ctx, client, filter, 0, head, limit, 0)
	if err != nil && len(logs) == 0 {
		span.NoticeError(err)
		return nil, fmt.Errorf("failed to backfill pool logs: %w", err)
	}
	if err != nil {
		// Partial history is still chartable; log and continue
		s.logger.LogWarn(ctx, "backfill returned partial history",
			"chain_id", chainID,
			"pool", pool.Hex(),
			"logs", len(logs),
			"error", err,
		)
	}

	trades := make([]*Trade, 0, len(logs))
	for _, l := range logs {
		trade, ok := s.normalizer.Parse(l)
		if !ok {
			if s.metrics != nil {
				s.metrics.RecordLogSkipped(ctx)
			}
			continue
		}
		trades = append(trades, trade)
		if s.metrics != nil {
			s.metrics.RecordTradeParsed(ctx, trade.Side.String())
		}
	}

	if len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}

	s.stampTrades(ctx, client, trades)

	span.SetAttributes(attribute.Int("trades", len(trades)))
	return trades, nil
}

// stampTrades resolves block timestamps and attaches them in place
func (s *HistoryService) stampTrades(ctx context.Context, client chain.Client, trades []*Trade) {
	if len(trades) == 0 {
		return
	}

	blocks := make([]uint64, 0, len(trades))
	for _, t := range trades {
		blocks = append(blocks, t.BlockNumber)
	}

	stamps := s.resolver.Resolve(ctx, client, blocks)
	for _, t := range trades {
		t.Timestamp = stamps[t.BlockNumber]
	}
}

// SpotPrice returns the pool's current spot price, served from cache when
// fresh enough
func (s *HistoryService) SpotPrice(ctx context.Context, chainID uint64, pool common.Address) (float64, error) {
	if s.spot == nil {
		return 0, fmt.Errorf("no spot price source configured")
	}

	key := fmt.Sprintf("spot:%d:%s", chainID, pool.Hex())

	if s.cache != nil {
		if v, err := s.cache.Get(ctx, key); err == nil {
			if s.metrics != nil {
				s.metrics.RecordCacheHit(ctx, "spot", true)
			}
			switch p := v.(type) {
			case float64:
				return p, nil
			}
		} else if s.metrics != nil {
			s.metrics.RecordCacheHit(ctx, "spot", false)
		}
	}

	price, err := s.spot(ctx, chainID, pool)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, price, spotCacheTTL); err != nil {
			s.logger.LogWarn(ctx, "failed to cache spot price", "key", key, "error", err)
		}
	}

	return price, nil
}

// Candles builds the gap-free candle series for a pool over the configured
// window ending now
func (s *HistoryService) Candles(ctx context.Context, chainID uint64, pool common.Address) ([]Candle, error) {
	ctx, span := s.tracer.StartSpan(ctx, "HistoryService.Candles",
		observability.WithAttributes(
			attribute.Int64("chain_id", int64(chainID)),
			attribute.String("pool", pool.Hex()),
		),
	)
	defer span.End()

	start := time.Now()

	var (
		trades []*Trade
		spot   float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		trades, err = s.Trades(gctx, chainID, pool, 0)
		return err
	})
	g.Go(func() error {
		p, err := s.SpotPrice(gctx, chainID, pool)
		if err != nil {
			// A missing spot price only matters when history is empty;
			// the seed falls back to trade prices
			s.logger.LogWarn(gctx, "spot price unavailable for candle seed",
				"chain_id", chainID,
				"pool", pool.Hex(),
				"error", err,
			)
			return nil
		}
		spot = p
		return nil
	})
	if err := g.Wait(); err != nil {
		span.NoticeError(err)
		return nil, err
	}

	now := uint64(time.Now().Unix())
	windowStart := now - uint64(s.cfg.CandleWindow/time.Second)
	bucket := uint64(s.cfg.CandleBucket / time.Second)

	candles := BuildCandles(TradePoints(trades), windowStart, now, bucket, spot)

	if s.metrics != nil {
		s.metrics.RecordCandleBuild(ctx, time.Since(start))
	}
	span.SetAttributes(attribute.Int("candles", len(candles)))

	return candles, nil
}

// Watch polls a pool on the refresh interval and broadcasts newly observed
// trades to subscribers. Blocks until ctx is cancelled. Refresh failures
// are logged and retried on the next tick; the previous data stays
// authoritative in between.
func (s *HistoryService) Watch(ctx context.Context, chainID uint64, pool common.Address) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx, chainID, pool)
		}
	}
}

func (s *HistoryService) refresh(ctx context.Context, chainID uint64, pool common.Address) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	trades, err := s.Trades(ctx, chainID, pool, 0)
	if err != nil {
		s.logger.LogWarn(ctx, "history refresh failed",
			"chain_id", chainID,
			"pool", pool.Hex(),
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.RecordError(ctx, "history_refresh")
		}
		return
	}

	key := fmt.Sprintf("%d:%s", chainID, pool.Hex())

	s.mu.Lock()
	high, watched := s.seen[key]
	fresh := make([]*Trade, 0)
	for _, t := range trades {
		if t.BlockNumber > high[0] || (t.BlockNumber == high[0] && uint64(t.LogIndex) > high[1]) {
			fresh = append(fresh, t)
		}
	}
	if len(trades) > 0 {
		last := trades[len(trades)-1]
		s.seen[key] = [2]uint64{last.BlockNumber, uint64(last.LogIndex)}
	} else if !watched {
		s.seen[key] = [2]uint64{}
	}
	listeners := make([]TradeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	// First refresh establishes the baseline without replaying history
	if !watched {
		return
	}

	for _, t := range fresh {
		for _, fn := range listeners {
			fn(chainID, pool, t)
		}
	}
}
