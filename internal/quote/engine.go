package quote

import (
	"math/big"
)

// priceScale is the fixed-point scale of post-trade prices
var priceScale = big.NewInt(1e18)

var (
	bpsDenominator = big.NewInt(10000)
	one            = big.NewInt(1)
)

// PoolSnapshot is one fresh read of the pool's pricing state. Snapshots
// are read immediately before quoting and never reused across a trade
// attempt.
type PoolSnapshot struct {
	ReserveNativeWei *big.Int
	ReserveTokenRaw  *big.Int
	// Virtual reserves (x0, y0) keep early trades against a nearly empty
	// pool from pricing degenerately
	VirtualNativeWei *big.Int
	VirtualTokenRaw  *big.Int
	FeeBps           int64
	TokenDecimals    uint8
}

// BuyQuote previews a native-in, tokens-out trade
type BuyQuote struct {
	TokensOut      *big.Int
	FeeWei         *big.Int
	EffectiveInWei *big.Int
	// PriceAfterScaled is the post-trade price scaled by 1e18
	PriceAfterScaled *big.Int
	MinTokensOut     *big.Int
	SlippageBps      int64
	// Unquotable marks an empty or degenerate pool. The quote is all
	// zeros and must not be traded on; it is not an error so callers can
	// render a placeholder instead of failing.
	Unquotable bool
}

// SellQuote previews a tokens-in, native-out trade
type SellQuote struct {
	NativeOutWei      *big.Int
	FeeWei            *big.Int
	GrossNativeOutWei *big.Int
	PriceAfterScaled  *big.Int
	MinNativeOutWei   *big.Int
	SlippageBps       int64
	Unquotable        bool
}

// EngineConfig tunes slippage bound selection
type EngineConfig struct {
	DefaultSlippageBps int64
	MaxSlippageBps     int64
	// Adaptive loosens the bound as the trade grows relative to pool
	// depth. A fixed small bound rejects legitimate large trades against
	// thin pools.
	Adaptive bool
}

// DefaultEngineConfig returns the default slippage policy
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultSlippageBps: 100,
		MaxSlippageBps:     1500,
		Adaptive:           true,
	}
}

// Engine computes trade previews from pool snapshots. All methods are
// pure integer math on base units; no I/O, no floats, no panics.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates a new quote engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.DefaultSlippageBps <= 0 {
		cfg.DefaultSlippageBps = 100
	}
	if cfg.MaxSlippageBps < cfg.DefaultSlippageBps {
		cfg.MaxSlippageBps = cfg.DefaultSlippageBps
	}
	return &Engine{cfg: cfg}
}

// PreviewBuy quotes nativeIn wei against the pool. slippageBps <= 0
// selects the engine's configured bound.
func (e *Engine) PreviewBuy(snap PoolSnapshot, nativeIn *big.Int, slippageBps int64) BuyQuote {
	if !validSnapshot(snap) || nativeIn == nil || nativeIn.Sign() <= 0 {
		return BuyQuote{
			TokensOut:        big.NewInt(0),
			FeeWei:           big.NewInt(0),
			EffectiveInWei:   big.NewInt(0),
			PriceAfterScaled: big.NewInt(0),
			MinTokensOut:     big.NewInt(0),
			Unquotable:       true,
		}
	}

	// Fee comes off the input before it hits the curve
	fee := mulBps(nativeIn, snap.FeeBps)
	effIn := new(big.Int).Sub(nativeIn, fee)

	x := new(big.Int).Add(snap.ReserveNativeWei, snap.VirtualNativeWei)
	y := new(big.Int).Add(snap.ReserveTokenRaw, snap.VirtualTokenRaw)

	denom := new(big.Int).Add(x, effIn)
	if y.Sign() == 0 || denom.Sign() == 0 || effIn.Sign() <= 0 {
		return BuyQuote{
			TokensOut:        big.NewInt(0),
			FeeWei:           fee,
			EffectiveInWei:   effIn,
			PriceAfterScaled: big.NewInt(0),
			MinTokensOut:     big.NewInt(0),
			Unquotable:       true,
		}
	}

	tokensOut := new(big.Int).Mul(y, effIn)
	tokensOut.Div(tokensOut, denom)

	// Force at least one unit out so the post-trade price stays finite
	if tokensOut.Sign() == 0 {
		tokensOut.Set(one)
	}

	yAfter := new(big.Int).Sub(y, tokensOut)
	if yAfter.Sign() <= 0 {
		return BuyQuote{
			TokensOut:        big.NewInt(0),
			FeeWei:           fee,
			EffectiveInWei:   effIn,
			PriceAfterScaled: big.NewInt(0),
			MinTokensOut:     big.NewInt(0),
			Unquotable:       true,
		}
	}

	priceAfter := new(big.Int).Mul(denom, priceScale)
	priceAfter.Div(priceAfter, yAfter)

	slippage := e.slippageBound(slippageBps, effIn, x)

	return BuyQuote{
		TokensOut:        tokensOut,
		FeeWei:           fee,
		EffectiveInWei:   effIn,
		PriceAfterScaled: priceAfter,
		MinTokensOut:     minOut(tokensOut, slippage),
		SlippageBps:      slippage,
	}
}

// PreviewSell quotes tokensIn raw units against the pool. slippageBps <= 0
// selects the engine's configured bound.
func (e *Engine) PreviewSell(snap PoolSnapshot, tokensIn *big.Int, slippageBps int64) SellQuote {
	if !validSnapshot(snap) || tokensIn == nil || tokensIn.Sign() <= 0 {
		return SellQuote{
			NativeOutWei:      big.NewInt(0),
			FeeWei:            big.NewInt(0),
			GrossNativeOutWei: big.NewInt(0),
			PriceAfterScaled:  big.NewInt(0),
			MinNativeOutWei:   big.NewInt(0),
			Unquotable:        true,
		}
	}

	x := new(big.Int).Add(snap.ReserveNativeWei, snap.VirtualNativeWei)
	y := new(big.Int).Add(snap.ReserveTokenRaw, snap.VirtualTokenRaw)

	denom := new(big.Int).Add(y, tokensIn)
	if x.Sign() == 0 || denom.Sign() == 0 {
		return SellQuote{
			NativeOutWei:      big.NewInt(0),
			FeeWei:            big.NewInt(0),
			GrossNativeOutWei: big.NewInt(0),
			PriceAfterScaled:  big.NewInt(0),
			MinNativeOutWei:   big.NewInt(0),
			Unquotable:        true,
		}
	}

	gross := new(big.Int).Mul(x, tokensIn)
	gross.Div(gross, denom)

	// Fee comes off the output after the curve
	fee := mulBps(gross, snap.FeeBps)
	net := new(big.Int).Sub(gross, fee)

	priceAfter := new(big.Int).Sub(x, gross)
	priceAfter.Mul(priceAfter, priceScale)
	priceAfter.Div(priceAfter, denom)

	slippage := e.slippageBound(slippageBps, tokensIn, y)

	return SellQuote{
		NativeOutWei:      net,
		FeeWei:            fee,
		GrossNativeOutWei: gross,
		PriceAfterScaled:  priceAfter,
		MinNativeOutWei:   minOut(net, slippage),
		SlippageBps:       slippage,
	}
}

// slippageBound resolves the slippage bound for one quote. An explicit
// caller bound wins; otherwise the configured default, loosened with trade
// size relative to pool depth when adaptive mode is on.
func (e *Engine) slippageBound(requested int64, amountIn, depth *big.Int) int64 {
	if requested > 0 {
		if requested > e.cfg.MaxSlippageBps {
			return e.cfg.MaxSlippageBps
		}
		return requested
	}

	bound := e.cfg.DefaultSlippageBps
	if e.cfg.Adaptive && depth.Sign() > 0 {
		// Loosen by a tenth of the trade's share of depth, in bps
		share := new(big.Int).Mul(amountIn, bpsDenominator)
		share.Div(share, depth)
		bound += share.Int64() / 10
	}
	if bound > e.cfg.MaxSlippageBps {
		bound = e.cfg.MaxSlippageBps
	}
	return bound
}

// minOut applies the slippage bound, floored at one unit so a rounded-down
// zero never turns into an unprotected trade
func minOut(amount *big.Int, slippageBps int64) *big.Int {
	if amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	m := new(big.Int).Mul(amount, big.NewInt(10000-slippageBps))
	m.Div(m, bpsDenominator)
	if m.Sign() <= 0 {
		m.Set(one)
	}
	return m
}

// mulBps returns amount * bps / 10000, floored
func mulBps(amount *big.Int, bps int64) *big.Int {
	if bps <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Div(out, bpsDenominator)
}

func validSnapshot(snap PoolSnapshot) bool {
	return snap.ReserveNativeWei != nil &&
		snap.ReserveTokenRaw != nil &&
		snap.VirtualNativeWei != nil &&
		snap.VirtualTokenRaw != nil &&
		snap.FeeBps >= 0 && snap.FeeBps < 10000
}
