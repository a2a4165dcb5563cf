package quote

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func snapshot(reserveNative, reserveToken, x0, y0 *big.Int, feeBps int64) PoolSnapshot {
	return PoolSnapshot{
		ReserveNativeWei: reserveNative,
		ReserveTokenRaw:  reserveToken,
		VirtualNativeWei: x0,
		VirtualTokenRaw:  y0,
		FeeBps:           feeBps,
		TokenDecimals:    18,
	}
}

func TestPreviewBuyFreshPool(t *testing.T) {
	// 10 native / 1,000,000 tokens, 1% fee, buy 1 native
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 100)
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewBuy(snap, wei(1), 100)
	require.False(t, q.Unquotable)

	// Fee is exactly 1% of the input
	assert.Equal(t, big.NewInt(1e16), q.FeeWei)
	assert.Equal(t, new(big.Int).Sub(wei(1), big.NewInt(1e16)), q.EffectiveInWei)

	// tokensOut = Y*effIn/(X+effIn), floored
	lo, _ := new(big.Int).SetString("90081000000000000000000", 10) // 90,081 tokens
	hi, _ := new(big.Int).SetString("90082000000000000000000", 10) // 90,082 tokens
	assert.True(t, q.TokensOut.Cmp(lo) > 0 && q.TokensOut.Cmp(hi) < 0,
		"tokensOut %s out of expected range", q.TokensOut)

	// Exact floor-division witness: tokensOut*denom <= Y*effIn < (tokensOut+1)*denom
	x := wei(10)
	y := wei(1_000_000)
	denom := new(big.Int).Add(x, q.EffectiveInWei)
	num := new(big.Int).Mul(y, q.EffectiveInWei)
	assert.True(t, new(big.Int).Mul(q.TokensOut, denom).Cmp(num) <= 0)
	assert.True(t, new(big.Int).Mul(new(big.Int).Add(q.TokensOut, big.NewInt(1)), denom).Cmp(num) > 0)

	assert.True(t, q.MinTokensOut.Sign() > 0)
	assert.True(t, q.MinTokensOut.Cmp(q.TokensOut) < 0)
	assert.True(t, q.PriceAfterScaled.Sign() > 0)
}

func TestPreviewBuyMinOutSlippage(t *testing.T) {
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 0)
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewBuy(snap, wei(1), 200) // 2%
	require.False(t, q.Unquotable)

	want := new(big.Int).Mul(q.TokensOut, big.NewInt(9800))
	want.Div(want, big.NewInt(10000))
	assert.Equal(t, want, q.MinTokensOut)
}

func TestPreviewBuyMinOutFloorsAtOneUnit(t *testing.T) {
	// A dust buy where the curve rounds output to zero and slippage would
	// round minOut to zero
	snap := snapshot(big.NewInt(1e12), big.NewInt(1e6), big.NewInt(0), big.NewInt(0), 0)
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewBuy(snap, big.NewInt(1), 1000)
	require.False(t, q.Unquotable)
	require.True(t, q.TokensOut.Sign() > 0)
	assert.Equal(t, big.NewInt(1), q.MinTokensOut)
}

func TestPreviewBuyEmptyPoolIsUnquotableNotError(t *testing.T) {
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewBuy(snapshot(big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), 100), wei(1), 0)
	assert.True(t, q.Unquotable)
	assert.Zero(t, q.TokensOut.Sign())

	q = e.PreviewBuy(snapshot(nil, nil, nil, nil, 100), wei(1), 0)
	assert.True(t, q.Unquotable)

	q = e.PreviewBuy(snapshot(wei(1), wei(1), big.NewInt(0), big.NewInt(0), 100), nil, 0)
	assert.True(t, q.Unquotable)

	q = e.PreviewBuy(snapshot(wei(1), wei(1), big.NewInt(0), big.NewInt(0), 100), big.NewInt(-5), 0)
	assert.True(t, q.Unquotable)
}

func TestPreviewBuyVirtualReservesPreventDegeneracy(t *testing.T) {
	// Empty real reserves but virtual reserves present: quotable
	snap := snapshot(big.NewInt(0), big.NewInt(0), wei(5), wei(500_000), 100)
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewBuy(snap, wei(1), 0)
	require.False(t, q.Unquotable)
	assert.True(t, q.TokensOut.Sign() > 0)
}

func TestPreviewSellFeeComesOffOutput(t *testing.T) {
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 100)
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewSell(snap, wei(1000), 100)
	require.False(t, q.Unquotable)

	// gross = X*in/(Y+in); fee = 1% of gross; net = gross - fee
	wantFee := new(big.Int).Div(q.GrossNativeOutWei, big.NewInt(100))
	assert.Equal(t, wantFee, q.FeeWei)
	assert.Equal(t, new(big.Int).Sub(q.GrossNativeOutWei, q.FeeWei), q.NativeOutWei)
	assert.True(t, q.MinNativeOutWei.Cmp(q.NativeOutWei) <= 0)
}

func TestPreviewSellEmptyPoolIsUnquotable(t *testing.T) {
	e := NewEngine(DefaultEngineConfig())

	q := e.PreviewSell(snapshot(big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), 100), wei(1), 0)
	assert.True(t, q.Unquotable)

	q = e.PreviewSell(snapshot(wei(1), wei(1), big.NewInt(0), big.NewInt(0), 100), big.NewInt(0), 0)
	assert.True(t, q.Unquotable)
}

func TestRoundTripNeverProfits(t *testing.T) {
	e := NewEngine(DefaultEngineConfig())

	cases := []struct {
		name     string
		snap     PoolSnapshot
		nativeIn *big.Int
	}{
		{"deep pool small trade", snapshot(wei(1000), wei(10_000_000), big.NewInt(0), big.NewInt(0), 100), wei(1)},
		{"thin pool large trade", snapshot(wei(2), wei(50_000), big.NewInt(0), big.NewInt(0), 100), wei(1)},
		{"virtual reserves", snapshot(big.NewInt(0), big.NewInt(0), wei(10), wei(1_000_000), 250), wei(3)},
		{"zero fee", snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 0), wei(5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buy := e.PreviewBuy(tc.snap, tc.nativeIn, 100)
			require.False(t, buy.Unquotable)

			sell := e.PreviewSell(tc.snap, buy.TokensOut, 100)
			require.False(t, sell.Unquotable)

			assert.True(t, sell.NativeOutWei.Cmp(tc.nativeIn) <= 0,
				"round trip must not profit: in %s out %s", tc.nativeIn, sell.NativeOutWei)
		})
	}
}

func TestAdaptiveSlippageLoosensWithTradeSize(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultSlippageBps: 100, MaxSlippageBps: 1500, Adaptive: true})
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 100)

	small := e.PreviewBuy(snap, big.NewInt(1e15), 0) // 0.001 native vs 10 deep
	large := e.PreviewBuy(snap, wei(5), 0)           // half the pool depth

	assert.Equal(t, int64(100), small.SlippageBps)
	assert.Greater(t, large.SlippageBps, small.SlippageBps)
	assert.LessOrEqual(t, large.SlippageBps, int64(1500))
}

func TestAdaptiveSlippageDisabledUsesDefault(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultSlippageBps: 100, MaxSlippageBps: 1500, Adaptive: false})
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 100)

	q := e.PreviewBuy(snap, wei(5), 0)
	assert.Equal(t, int64(100), q.SlippageBps)
}

func TestExplicitSlippageClampedToMax(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultSlippageBps: 100, MaxSlippageBps: 500, Adaptive: true})
	snap := snapshot(wei(10), wei(1_000_000), big.NewInt(0), big.NewInt(0), 100)

	q := e.PreviewBuy(snap, wei(1), 2000)
	assert.Equal(t, int64(500), q.SlippageBps)
}

func TestQuotesDoNotMutateSnapshot(t *testing.T) {
	rn, rt := wei(10), wei(1_000_000)
	snap := snapshot(rn, rt, big.NewInt(0), big.NewInt(0), 100)
	e := NewEngine(DefaultEngineConfig())

	e.PreviewBuy(snap, wei(1), 100)
	e.PreviewSell(snap, wei(1000), 100)

	assert.Equal(t, wei(10), rn)
	assert.Equal(t, wei(1_000_000), rt)
}
