package chain

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/platform/resilience"
)

// Filter selects the logs to backfill. Immutable once constructed per call.
type Filter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

// BackfillerConfig bounds the adaptive walk
type BackfillerConfig struct {
	InitialChunk uint64 // starting window size in blocks
	MinChunk     uint64 // window floor; at this size range errors are skipped over
	MaxChunk     uint64 // window ceiling for adaptive growth
	MaxCalls     int    // safety cap on eth_getLogs calls per walk
}

// DefaultBackfillerConfig returns defaults that adapt quickly on both
// generous and tightly limited providers
func DefaultBackfillerConfig() BackfillerConfig {
	return BackfillerConfig{
		InitialChunk: 2048,
		MinChunk:     128,
		MaxChunk:     10000,
		MaxCalls:     60,
	}
}

// Backfiller fetches historical logs over a block range in adaptively
// sized chunks. Providers enforce undocumented, mutually inconsistent
// range limits on eth_getLogs; a fixed window either wastes calls or hard
// fails depending on provider, so the window is resized from observed
// errors instead.
type Backfiller struct {
	cfg     BackfillerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewBackfiller creates a new Backfiller
func NewBackfiller(cfg BackfillerConfig, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) *Backfiller {
	if cfg.InitialChunk == 0 {
		cfg = DefaultBackfillerConfig()
	}
	if cfg.MinChunk == 0 {
		cfg.MinChunk = 1
	}
	if cfg.MaxChunk < cfg.InitialChunk {
		cfg.MaxChunk = cfg.InitialChunk
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 60
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Backfiller{cfg: cfg, logger: logger, metrics: metrics, tracer: tracer}
}

// walkState is the mutable loop state of one backfill walk
type walkState struct {
	end       uint64 // upper bound of the next window (inclusive)
	chunk     uint64 // current window size in blocks
	calls     int    // eth_getLogs calls issued so far
	failures  int    // consecutive non-range failures
	collected int    // logs accumulated so far
}

// Backfill walks [floor, ceil] from the top down and returns the logs
// matching filter, ascending by (blockNumber, logIndex). wantCount > 0
// stops the walk early once satisfied; initialChunk overrides the
// configured starting window when non-zero.
//
// Range-limit and pruned-history errors shrink the window and retry the
// same range; at the window floor the range is skipped instead so the walk
// always terminates. Other errors are retried a bounded number of times,
// then the partial result is returned with the error.
func (b *Backfiller) Backfill(ctx context.Context, client Client, filter Filter, floor, ceil uint64, wantCount int, initialChunk uint64) ([]types.Log, error) {
	if ceil < floor {
		return nil, nil
	}

	ctx, span := b.tracer.StartSpan(ctx, "Backfiller.Backfill",
		observability.WithAttributes(
			attribute.Int64("floor_block", int64(floor)),
			attribute.Int64("ceil_block", int64(ceil)),
		),
	)
	defer span.End()

	start := time.Now()

	st := walkState{
		end:   ceil,
		chunk: b.cfg.InitialChunk,
	}
	if initialChunk > 0 {
		st.chunk = initialChunk
	}
	if st.chunk > b.cfg.MaxChunk {
		st.chunk = b.cfg.MaxChunk
	}

	var logs []types.Log

	for st.end >= floor && st.calls < b.cfg.MaxCalls {
		if wantCount > 0 && st.collected >= wantCount {
			break
		}
		if ctx.Err() != nil {
			span.NoticeError(ctx.Err())
			return sortLogs(logs), ctx.Err()
		}

		from := floor
		if width := st.end - floor + 1; width > st.chunk {
			from = st.end - st.chunk + 1
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(st.end),
			Addresses: filter.Addresses,
			Topics:    toHashTopics(filter.Topics),
		}

		chunk, err := client.FilterLogs(ctx, query)
		st.calls++
		if b.metrics != nil {
			b.metrics.RecordBackfillCall(ctx, st.chunk, err == nil)
		}

		if err != nil {
			if IsRangeError(err) {
				if st.chunk > b.cfg.MinChunk {
					next := st.chunk / 2
					if next < b.cfg.MinChunk {
						next = b.cfg.MinChunk
					}
					b.logger.Debug("log window rejected, shrinking",
						"from", from,
						"to", st.end,
						"chunk", st.chunk,
						"next_chunk", next,
					)
					st.chunk = next
					continue // retry the same window
				}

				// Already at the floor: skip this window or loop forever
				b.logger.LogWarn(ctx, "log window rejected at minimum chunk, skipping range",
					"from", from,
					"to", st.end,
					"error", err,
				)
				if from == 0 {
					break
				}
				st.end = from - 1
				continue
			}

			st.failures++
			if !resilience.IsRetryable(err) || st.failures >= 3 {
				span.NoticeError(err)
				if b.metrics != nil {
					b.metrics.RecordError(ctx, "backfill")
				}
				return sortLogs(logs), err
			}
			b.logger.LogWarn(ctx, "eth_getLogs failed, retrying window",
				"from", from,
				"to", st.end,
				"attempt", st.failures,
				"error", err,
			)
			continue
		}

		st.failures = 0
		logs = append(logs, chunk...)
		st.collected += len(chunk)

		// Grow on a quiet range so long walks converge in fewer calls
		if wantCount > 0 && st.collected < wantCount && st.chunk < b.cfg.MaxChunk {
			st.chunk *= 2
			if st.chunk > b.cfg.MaxChunk {
				st.chunk = b.cfg.MaxChunk
			}
		}

		if from == 0 {
			break
		}
		st.end = from - 1
	}

	out := sortLogs(logs)
	if b.metrics != nil {
		b.metrics.RecordBackfill(ctx, len(out), time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("logs", len(out)),
		attribute.Int("calls", st.calls),
	)

	return out, nil
}

// sortLogs orders logs ascending by (blockNumber, logIndex), the canonical
// trade ordering key
func sortLogs(logs []types.Log) []types.Log {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs
}

func toHashTopics(topics [][]common.Hash) [][]common.Hash {
	if len(topics) == 0 {
		return nil
	}
	return topics
}
