package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avigliano/curve-engine/internal/chain"
	"github.com/avigliano/curve-engine/internal/market"
	"github.com/avigliano/curve-engine/internal/token"
)

var (
	poolAddr   = "0x2222222222222222222222222222222222222222"
	traderAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyTopic   = crypto.Keccak256Hash([]byte("Buy(address,uint256,uint256,uint256)"))
)

// logClient serves a fixed log set over the chain.Client interface
type logClient struct {
	logs []types.Log
}

func (c *logClient) BlockNumber(ctx context.Context) (uint64, error) { return 1000, nil }

func (c *logClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 5000}, nil
}

func (c *logClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.logs, nil
}

func (c *logClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *logClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (c *logClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *logClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func buyLog(block uint64, nativeIn, tokensOut, price *big.Int) types.Log {
	var data []byte
	for _, v := range []*big.Int{nativeIn, tokensOut, price} {
		data = append(data, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return types.Log{
		Topics:      []common.Hash{buyTopic, common.BytesToHash(traderAddr.Bytes())},
		Data:        data,
		BlockNumber: block,
	}
}

func newTestServer(t *testing.T, client chain.Client, registry token.Registry) *Server {
	t.Helper()

	pool, err := chain.NewPool(chain.PoolConfig{
		Endpoints: map[uint64][]string{56: {"http://fake"}},
		Dialer:    func(url string) (chain.Client, error) { return client, nil },
	})
	require.NoError(t, err)

	normalizer, err := market.NewNormalizer(nil)
	require.NoError(t, err)

	history := market.NewHistoryService(
		pool,
		chain.NewBackfiller(chain.BackfillerConfig{InitialChunk: 2000, MinChunk: 10, MaxChunk: 10000, MaxCalls: 60}, nil, nil, nil),
		normalizer,
		chain.NewTimestampResolver(2, nil),
		nil,
		func(ctx context.Context, chainID uint64, p common.Address) (float64, error) { return 1.5, nil },
		market.HistoryConfig{},
		nil, nil, nil,
	)

	return NewServer(Deps{
		History:  history,
		Registry: registry,
	})
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(s, "/ready").Code)
}

func TestTradesEndpoint(t *testing.T) {
	wei := func(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }
	client := &logClient{logs: []types.Log{buyLog(900, wei(1), wei(200), wei(5))}}
	s := newTestServer(t, client, nil)

	w := get(s, "/api/v1/pools/"+poolAddr+"/trades?chain_id=56")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Trades []tradeView `json:"trades"`
		Order  string      `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)

	tr := body.Trades[0]
	assert.Equal(t, "buy", tr.Side)
	assert.Equal(t, traderAddr.Hex(), tr.Trader)
	assert.Equal(t, wei(1).String(), tr.NativeWei)
	assert.Equal(t, "1", tr.NativeDisplay)
	assert.Equal(t, "5", tr.Price)
	assert.Equal(t, uint64(5000), tr.Timestamp)
	assert.Equal(t, "newest_last", body.Order)
}

func TestTradesRejectsBadParams(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)

	assert.Equal(t, http.StatusBadRequest, get(s, "/api/v1/pools/"+poolAddr+"/trades").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/api/v1/pools/"+poolAddr+"/trades?chain_id=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/api/v1/pools/not-an-address/trades?chain_id=56").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/api/v1/pools/"+poolAddr+"/trades?chain_id=56&limit=-1").Code)
}

func TestUnknownChainMapsToBadRequest(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)

	w := get(s, "/api/v1/pools/"+poolAddr+"/trades?chain_id=99")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCandlesEndpoint(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)

	w := get(s, "/api/v1/pools/"+poolAddr+"/candles?chain_id=56")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Candles []market.Candle `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	// No trades: the 1.5 spot seed produces a flat series
	require.NotEmpty(t, body.Candles)
	assert.Equal(t, 1.5, body.Candles[0].Open)
}

type staticRegistry struct{ meta token.Metadata }

func (r *staticRegistry) Lookup(ctx context.Context, chainID uint64, address common.Address) (token.Metadata, error) {
	return r.meta, nil
}

func TestTokenMetadataEndpoint(t *testing.T) {
	s := newTestServer(t, &logClient{}, &staticRegistry{meta: token.Metadata{Name: "Rocket", Symbol: "RKT"}})

	w := get(s, "/api/v1/tokens/"+poolAddr+"?chain_id=56")
	require.Equal(t, http.StatusOK, w.Code)

	var meta token.Metadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "RKT", meta.Symbol)
}

func TestTokenMetadataNotConfigured(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)
	assert.Equal(t, http.StatusNotImplemented, get(s, "/api/v1/tokens/"+poolAddr+"?chain_id=56").Code)
}

func TestMinBuyNotConfigured(t *testing.T) {
	s := newTestServer(t, &logClient{}, nil)
	assert.Equal(t, http.StatusNotImplemented, get(s, "/api/v1/pools/"+poolAddr+"/min-buy?chain_id=56").Code)
}
