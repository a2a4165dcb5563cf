package market

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyTopic        = crypto.Keccak256Hash([]byte("Buy(address,uint256,uint256,uint256)"))
	sellTopic       = crypto.Keccak256Hash([]byte("Sell(address,uint256,uint256,uint256)"))
	legacyBuyTopic  = crypto.Keccak256Hash([]byte("Buy(address,uint256,uint256)"))
	legacySellTopic = crypto.Keccak256Hash([]byte("Sell(address,uint256,uint256)"))

	trader = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// packWords ABI-encodes unsigned integers as consecutive 32-byte words
func packWords(vals ...*big.Int) []byte {
	var data []byte
	for _, v := range vals {
		data = append(data, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return data
}

func eventLog(topic common.Hash, data []byte) types.Log {
	return types.Log{
		Topics:      []common.Hash{topic, common.BytesToHash(trader.Bytes())},
		Data:        data,
		BlockNumber: 42,
		Index:       3,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(nil)
	require.NoError(t, err)
	return n
}

func TestParseBuyWithExplicitPrice(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(buyTopic, packWords(eth(2), eth(400), eth(5)))
	trade, ok := n.Parse(l)
	require.True(t, ok)

	assert.Equal(t, Buy, trade.Side)
	assert.Equal(t, trader, trade.Trader)
	assert.Equal(t, eth(2), trade.NativeAmountWei)
	assert.Equal(t, eth(400), trade.TokenAmountRaw)
	assert.Equal(t, uint64(42), trade.BlockNumber)
	assert.Equal(t, uint(3), trade.LogIndex)

	// Explicit price field wins over the amounts ratio
	assert.Equal(t, 0, trade.Price.Cmp(new(big.Rat).SetInt64(5)))
}

func TestParseSellWithExplicitPrice(t *testing.T) {
	n := newTestNormalizer(t)

	// Sell data is (tokensIn, nativeOut, price)
	l := eventLog(sellTopic, packWords(eth(400), eth(2), eth(5)))
	trade, ok := n.Parse(l)
	require.True(t, ok)

	assert.Equal(t, Sell, trade.Side)
	assert.Equal(t, eth(2), trade.NativeAmountWei)
	assert.Equal(t, eth(400), trade.TokenAmountRaw)
	assert.Equal(t, 0, trade.Price.Cmp(new(big.Rat).SetInt64(5)))
}

func TestParseLegacyBuyDerivesPriceFromRatio(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(legacyBuyTopic, packWords(eth(2), eth(4)))
	trade, ok := n.Parse(l)
	require.True(t, ok)

	assert.Equal(t, Buy, trade.Side)
	assert.Equal(t, 0, trade.Price.Cmp(big.NewRat(1, 2)))
}

func TestParseLegacySellDerivesPriceFromRatio(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(legacySellTopic, packWords(eth(10), eth(5)))
	trade, ok := n.Parse(l)
	require.True(t, ok)

	assert.Equal(t, Sell, trade.Side)
	assert.Equal(t, eth(5), trade.NativeAmountWei)
	assert.Equal(t, eth(10), trade.TokenAmountRaw)
	assert.Equal(t, 0, trade.Price.Cmp(big.NewRat(1, 2)))
}

func TestParseIsIdempotent(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(buyTopic, packWords(eth(1), eth(100), eth(7)))
	first, ok := n.Parse(l)
	require.True(t, ok)
	second, ok := n.Parse(l)
	require.True(t, ok)

	assert.Equal(t, first, second)
}

func TestParseSkipsUnknownTopic(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), packWords(eth(1)))
	_, ok := n.Parse(l)
	assert.False(t, ok)
}

func TestParseSkipsMalformedData(t *testing.T) {
	n := newTestNormalizer(t)

	// Matching topic but truncated payload
	l := eventLog(buyTopic, packWords(eth(1), eth(2)))
	_, ok := n.Parse(l)
	assert.False(t, ok)
}

func TestParseSkipsMissingTraderTopic(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(buyTopic, packWords(eth(1), eth(2), eth(3)))
	l.Topics = l.Topics[:1]
	_, ok := n.Parse(l)
	assert.False(t, ok)
}

func TestParseDropsZeroPrice(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(buyTopic, packWords(eth(1), eth(100), big.NewInt(0)))
	_, ok := n.Parse(l)
	assert.False(t, ok)
}

func TestParseSkipsLegacyZeroTokenAmount(t *testing.T) {
	n := newTestNormalizer(t)

	l := eventLog(legacyBuyTopic, packWords(eth(1), big.NewInt(0)))
	_, ok := n.Parse(l)
	assert.False(t, ok)
}

func TestTopicsCoverEveryKnownShape(t *testing.T) {
	n := newTestNormalizer(t)

	topics := n.Topics()
	require.Len(t, topics, 1)
	assert.ElementsMatch(t, []common.Hash{buyTopic, sellTopic, legacyBuyTopic, legacySellTopic}, topics[0])
}
