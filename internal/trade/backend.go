package trade

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/avigliano/curve-engine/internal/chain"
)

// Backend extends the read-only chain client with what a write path
// needs. *ethclient.Client satisfies it.
type Backend interface {
	chain.Client
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// BackendFunc resolves a live write-capable backend for a chain,
// typically by adapting the RPC pool
type BackendFunc func(ctx context.Context, chainID uint64) (Backend, error)

// Signer signs transactions for one account. Wired to the user's wallet
// session; tests inject fakes.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}
