package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/platform/worker"
)

// TimestampResolver maps block numbers to block timestamps with a bounded
// concurrent fan-out. Header lookups are independent read-only calls, so
// they are the one place the read path parallelizes.
type TimestampResolver struct {
	workers int
	logger  *observability.Logger
}

// NewTimestampResolver creates a new TimestampResolver
func NewTimestampResolver(workers int, logger *observability.Logger) *TimestampResolver {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &TimestampResolver{workers: workers, logger: logger}
}

// Resolve fetches the timestamp of every distinct block number. Lookup
// failures are soft: the block is simply absent from the result, and the
// caller decides whether partial data is acceptable.
func (r *TimestampResolver) Resolve(ctx context.Context, client Client, blocks []uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(blocks))
	if len(blocks) == 0 {
		return out
	}

	// Dedupe first: trades cluster heavily within blocks
	distinct := make(map[uint64]struct{}, len(blocks))
	for _, b := range blocks {
		distinct[b] = struct{}{}
	}

	pool := worker.NewPool(ctx, r.workers, len(distinct))
	defer pool.Close()

	jobs := make([]worker.Job, 0, len(distinct))
	for block := range distinct {
		block := block
		jobs = append(jobs, worker.Job{
			ID: fmt.Sprintf("block-%d", block),
			Execute: func(ctx context.Context) (interface{}, error) {
				header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
				if err != nil {
					return nil, err
				}
				return [2]uint64{block, header.Time}, nil
			},
		})
	}

	for _, res := range pool.SubmitAndWait(jobs) {
		if res.Err != nil {
			r.logger.LogWarn(ctx, "block timestamp lookup failed",
				"job", res.JobID,
				"error", res.Err,
			)
			continue
		}
		pair := res.Value.([2]uint64)
		out[pair[0]] = pair[1]
	}

	return out
}
