package trade

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// defaultProbeCalls caps the dry runs one probe may issue
const defaultProbeCalls = 12

// MinBuyProbe estimates the smallest native amount a pool accepts by
// binary-searching static buy dry runs. Purely advisory: pool state moves
// between the probe and the trade, so the result is a hint for the UI,
// never a correctness guarantee.
type MinBuyProbe struct {
	maxCalls int
	logger   *observability.Logger
}

// NewMinBuyProbe creates a new MinBuyProbe
func NewMinBuyProbe(maxCalls int, logger *observability.Logger) *MinBuyProbe {
	if maxCalls <= 0 {
		maxCalls = defaultProbeCalls
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &MinBuyProbe{maxCalls: maxCalls, logger: logger}
}

// Probe searches (lo, hi] for an approximate minimum accepted buy amount
// in wei. Returns the smallest amount observed to succeed; an error when
// even hi is rejected or the bounds are invalid.
func (p *MinBuyProbe) Probe(ctx context.Context, backend Backend, from, pool common.Address, lo, hi *big.Int) (*big.Int, error) {
	if lo == nil || hi == nil || lo.Sign() < 0 || hi.Cmp(lo) <= 0 {
		return nil, fmt.Errorf("invalid probe bounds")
	}

	data, err := buyCalldata(big.NewInt(1))
	if err != nil {
		return nil, err
	}

	accepts := func(value *big.Int) bool {
		_, err := backend.CallContract(ctx, ethereum.CallMsg{
			From:  from,
			To:    &pool,
			Value: value,
			Data:  data,
		}, nil)
		return err == nil
	}

	if !accepts(hi) {
		return nil, fmt.Errorf("pool rejected the probe upper bound %s", hi)
	}

	// Invariant: hi accepted, lo rejected (or zero)
	low := new(big.Int).Set(lo)
	high := new(big.Int).Set(hi)
	calls := 1

	for calls < p.maxCalls {
		gap := new(big.Int).Sub(high, low)
		if gap.Cmp(big.NewInt(1)) <= 0 {
			break
		}
		mid := new(big.Int).Rsh(new(big.Int).Add(low, high), 1)

		if accepts(mid) {
			high = mid
		} else {
			low = mid
		}
		calls++
	}

	p.logger.Debug("min buy probe converged",
		"pool", pool.Hex(),
		"min_wei", high.String(),
		"calls", calls,
	)

	return high, nil
}
