package trade

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// InsufficientNativeBalanceError reports that the signer cannot cover
// gas plus value, carrying the exact shortfall so the UI can tell the
// user how much more native currency is needed.
type InsufficientNativeBalanceError struct {
	RequiredWei *big.Int
	BalanceWei  *big.Int
	DeficitWei  *big.Int
}

func (e *InsufficientNativeBalanceError) Error() string {
	return deficitMessage(e.DeficitWei)
}

// PreflightConfig tunes gas pricing and the safety margin
type PreflightConfig struct {
	// GasMarginPct is added on top of the gas estimate
	GasMarginPct int64
	// FallbackGasPriceWei is used when the node declines to suggest one
	FallbackGasPriceWei int64
}

// DefaultPreflightConfig returns the default preflight settings
func DefaultPreflightConfig() PreflightConfig {
	return PreflightConfig{
		GasMarginPct:        20,
		FallbackGasPriceWei: 5_000_000_000,
	}
}

// Preflight verifies a transaction is affordable before it is signed.
// Running out of native currency mid-trade is the most common failure for
// first-time traders, so it must fail here with an exact number, not on
// chain with a revert.
type Preflight struct {
	cfg     PreflightConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPreflight creates a new Preflight
func NewPreflight(cfg PreflightConfig, logger *observability.Logger, metrics *observability.Metrics) *Preflight {
	if cfg.GasMarginPct <= 0 {
		cfg.GasMarginPct = 20
	}
	if cfg.FallbackGasPriceWei <= 0 {
		cfg.FallbackGasPriceWei = 5_000_000_000
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &Preflight{cfg: cfg, logger: logger, metrics: metrics}
}

// EnsureAffordable prices and sizes the call, then verifies the sender's
// balance covers gasLimit*gasPrice + value. Returns the gas parameters to
// send with, or InsufficientNativeBalanceError with the exact deficit.
func (p *Preflight) EnsureAffordable(ctx context.Context, backend Backend, call ethereum.CallMsg) (gasPrice *big.Int, gasLimit uint64, err error) {
	gasPrice, err = backend.SuggestGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		p.logger.LogWarn(ctx, "gas price suggestion unavailable, using fallback",
			"fallback_wei", p.cfg.FallbackGasPriceWei,
			"error", err,
		)
		gasPrice = big.NewInt(p.cfg.FallbackGasPriceWei)
	}

	estimate, err := backend.EstimateGas(ctx, call)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordPreflightFailure(ctx, "estimate")
		}
		return nil, 0, fmt.Errorf("gas estimation failed: %w", err)
	}
	gasLimit = estimate + estimate*uint64(p.cfg.GasMarginPct)/100

	balance, err := backend.BalanceAt(ctx, call.From, nil)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordPreflightFailure(ctx, "balance")
		}
		return nil, 0, fmt.Errorf("balance read failed: %w", err)
	}

	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if call.Value != nil {
		required.Add(required, call.Value)
	}

	if balance.Cmp(required) < 0 {
		if p.metrics != nil {
			p.metrics.RecordPreflightFailure(ctx, "insufficient_balance")
		}
		return nil, 0, &InsufficientNativeBalanceError{
			RequiredWei: required,
			BalanceWei:  balance,
			DeficitWei:  new(big.Int).Sub(required, balance),
		}
	}

	return gasPrice, gasLimit, nil
}
