package trade

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avigliano/curve-engine/internal/chain"
	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/quote"
)

const poolABIJSON = `[
	{"constant": true, "inputs": [], "name": "reserveNative", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "reserveToken", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "x0", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "y0", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "creatorFeeBps", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "platformFeeBps", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"constant": true, "inputs": [], "name": "token", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"constant": false, "inputs": [{"name": "minTokensOut", "type": "uint256"}], "name": "buy", "outputs": [], "stateMutability": "payable", "type": "function"},
	{"constant": false, "inputs": [{"name": "tokensIn", "type": "uint256"}, {"name": "minNativeOut", "type": "uint256"}], "name": "sell", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

var poolABI = mustParseABI(poolABIJSON)

// Snapshot is one fresh read of a pool's full pricing state plus the
// traded token address
type Snapshot struct {
	quote.PoolSnapshot
	Token common.Address
}

// SnapshotReader reads pool state directly from chain. Every read is
// fresh: snapshots are taken immediately before each quote or trade
// decision and never reused across attempts.
type SnapshotReader struct {
	pool   *chain.Pool
	logger *observability.Logger
	tracer observability.Tracer
}

// NewSnapshotReader creates a new SnapshotReader
func NewSnapshotReader(pool *chain.Pool, logger *observability.Logger, tracer observability.Tracer) *SnapshotReader {
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &SnapshotReader{pool: pool, logger: logger, tracer: tracer}
}

// Read acquires a live client and takes a snapshot of the pool
func (r *SnapshotReader) Read(ctx context.Context, chainID uint64, poolAddr common.Address) (Snapshot, error) {
	client, err := r.pool.Acquire(ctx, chainID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.ReadWith(ctx, client, poolAddr)
}

// ReadWith takes a snapshot of the pool using an already acquired client
func (r *SnapshotReader) ReadWith(ctx context.Context, client chain.Client, poolAddr common.Address) (Snapshot, error) {
	ctx, span := r.tracer.StartSpan(ctx, "SnapshotReader.ReadWith",
		observability.WithAttributes(attribute.String("pool", poolAddr.Hex())),
	)
	defer span.End()

	var snap Snapshot

	reads := []struct {
		method string
		dst    **big.Int
	}{
		{"reserveNative", &snap.ReserveNativeWei},
		{"reserveToken", &snap.ReserveTokenRaw},
		{"x0", &snap.VirtualNativeWei},
		{"y0", &snap.VirtualTokenRaw},
	}
	for _, read := range reads {
		v, err := r.callUint256(ctx, client, poolAddr, read.method)
		if err != nil {
			span.NoticeError(err)
			return Snapshot{}, err
		}
		*read.dst = v
	}

	creatorFee, err := r.callUint256(ctx, client, poolAddr, "creatorFeeBps")
	if err != nil {
		span.NoticeError(err)
		return Snapshot{}, err
	}
	platformFee, err := r.callUint256(ctx, client, poolAddr, "platformFeeBps")
	if err != nil {
		span.NoticeError(err)
		return Snapshot{}, err
	}
	snap.FeeBps = creatorFee.Int64() + platformFee.Int64()

	token, err := r.callAddress(ctx, client, poolAddr, "token")
	if err != nil {
		span.NoticeError(err)
		return Snapshot{}, err
	}
	snap.Token = token

	decimals, err := erc20Decimals(ctx, client, token)
	if err != nil {
		// Most curve tokens are 18-decimal; a failed read degrades to
		// that rather than blocking the quote
		r.logger.LogWarn(ctx, "token decimals read failed, assuming 18",
			"token", token.Hex(),
			"error", err,
		)
		decimals = 18
	}
	snap.TokenDecimals = decimals

	return snap, nil
}

// SpotPrice returns the pool's current spot price in natural units,
// (X / Y) with virtual reserves included. Satisfies market.SpotPriceFunc.
func (r *SnapshotReader) SpotPrice(ctx context.Context, chainID uint64, poolAddr common.Address) (float64, error) {
	snap, err := r.Read(ctx, chainID, poolAddr)
	if err != nil {
		return 0, err
	}

	x := new(big.Int).Add(snap.ReserveNativeWei, snap.VirtualNativeWei)
	y := new(big.Int).Add(snap.ReserveTokenRaw, snap.VirtualTokenRaw)
	if y.Sign() == 0 {
		return 0, fmt.Errorf("pool %s has no token depth", poolAddr.Hex())
	}

	price, _ := new(big.Rat).SetFrac(x, y).Float64()
	return price, nil
}

func (r *SnapshotReader) callUint256(ctx context.Context, client chain.Client, to common.Address, method string) (*big.Int, error) {
	out, err := r.call(ctx, client, to, method)
	if err != nil {
		return nil, err
	}
	return unpackUint256(poolABI, method, out)
}

func (r *SnapshotReader) callAddress(ctx context.Context, client chain.Client, to common.Address, method string) (common.Address, error) {
	out, err := r.call(ctx, client, to, method)
	if err != nil {
		return common.Address{}, err
	}
	values, err := poolABI.Unpack(method, out)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s return type %T", method, values[0])
	}
	return addr, nil
}

func (r *SnapshotReader) call(ctx context.Context, client chain.Client, to common.Address, method string) ([]byte, error) {
	data, err := poolABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("pool %s read failed: %w", method, err)
	}
	return out, nil
}

// buyCalldata packs buy(minTokensOut)
func buyCalldata(minTokensOut *big.Int) ([]byte, error) {
	return poolABI.Pack("buy", minTokensOut)
}

// sellCalldata packs sell(tokensIn, minNativeOut)
func sellCalldata(tokensIn, minNativeOut *big.Int) ([]byte, error) {
	return poolABI.Pack("sell", tokensIn, minNativeOut)
}
