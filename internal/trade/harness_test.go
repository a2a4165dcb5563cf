package trade

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testPool   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testWallet = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func uintWord(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func twei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// fakeSigner signs by returning the transaction unchanged
type fakeSigner struct {
	addr    common.Address
	signErr error
}

func (s *fakeSigner) Address() common.Address { return s.addr }
func (s *fakeSigner) ChainID() *big.Int       { return big.NewInt(56) }
func (s *fakeSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return tx, nil
}

// fakeBackend simulates one pool, its token, and the signer's balances.
// Approvals sent through it take effect on the simulated allowance.
type fakeBackend struct {
	mu sync.Mutex

	reserveNative, reserveToken *big.Int
	x0, y0                      *big.Int
	creatorFeeBps               *big.Int
	platformFeeBps              *big.Int

	allowance     *big.Int
	tokenBalance  *big.Int
	nativeBalance *big.Int

	tradeDryRunErr   error
	approveDryRunErr error
	estimateErr      error
	suggestErr       error
	sendErr          error

	// approvalLag delays observed allowance updates by this many reads
	approvalLag     int
	pendingApproval *big.Int

	sent []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		reserveNative:  twei(10),
		reserveToken:   twei(1_000_000),
		x0:             big.NewInt(0),
		y0:             big.NewInt(0),
		creatorFeeBps:  big.NewInt(50),
		platformFeeBps: big.NewInt(50),
		allowance:      big.NewInt(0),
		tokenBalance:   twei(10_000),
		nativeBalance:  twei(100),
	}
}

func (b *fakeBackend) sentTxs() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return 1000, nil }

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1}, nil
}

func (b *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(msg.Data) < 4 {
		return nil, errors.New("missing selector")
	}
	selector := msg.Data[:4]

	switch {
	case bytes.Equal(selector, poolABI.Methods["reserveNative"].ID):
		return uintWord(b.reserveNative), nil
	case bytes.Equal(selector, poolABI.Methods["reserveToken"].ID):
		return uintWord(b.reserveToken), nil
	case bytes.Equal(selector, poolABI.Methods["x0"].ID):
		return uintWord(b.x0), nil
	case bytes.Equal(selector, poolABI.Methods["y0"].ID):
		return uintWord(b.y0), nil
	case bytes.Equal(selector, poolABI.Methods["creatorFeeBps"].ID):
		return uintWord(b.creatorFeeBps), nil
	case bytes.Equal(selector, poolABI.Methods["platformFeeBps"].ID):
		return uintWord(b.platformFeeBps), nil
	case bytes.Equal(selector, poolABI.Methods["token"].ID):
		return addrWord(testToken), nil
	case bytes.Equal(selector, poolABI.Methods["buy"].ID),
		bytes.Equal(selector, poolABI.Methods["sell"].ID):
		if b.tradeDryRunErr != nil {
			return nil, b.tradeDryRunErr
		}
		return nil, nil
	case bytes.Equal(selector, erc20ABI.Methods["allowance"].ID):
		if b.pendingApproval != nil {
			if b.approvalLag > 0 {
				b.approvalLag--
			} else {
				b.allowance = b.pendingApproval
				b.pendingApproval = nil
			}
		}
		return uintWord(b.allowance), nil
	case bytes.Equal(selector, erc20ABI.Methods["balanceOf"].ID):
		return uintWord(b.tokenBalance), nil
	case bytes.Equal(selector, erc20ABI.Methods["decimals"].ID):
		return uintWord(big.NewInt(18)), nil
	case bytes.Equal(selector, erc20ABI.Methods["approve"].ID):
		if b.approveDryRunErr != nil {
			return nil, b.approveDryRunErr
		}
		return uintWord(big.NewInt(1)), nil
	}

	return nil, errors.New("execution reverted")
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 100_000, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if b.suggestErr != nil {
		return nil, b.suggestErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.nativeBalance), nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)

	// Approvals take effect on the simulated allowance, optionally after
	// a read lag
	if tx.To() != nil && *tx.To() == testToken && len(tx.Data()) >= 4 &&
		bytes.Equal(tx.Data()[:4], erc20ABI.Methods["approve"].ID) {
		amount := new(big.Int).SetBytes(tx.Data()[36:68])
		if b.approvalLag > 0 {
			b.pendingApproval = amount
		} else {
			b.allowance = amount
		}
	}
	return nil
}
