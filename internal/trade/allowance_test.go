package trade

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastReconciler() *AllowanceReconciler {
	return NewAllowanceReconciler(ReconcilerConfig{PollTries: 5, PollDelay: time.Millisecond}, nil, nil, nil)
}

func TestEnsureSufficientAllowanceSendsNothing(t *testing.T) {
	backend := newFakeBackend()
	backend.allowance = twei(500)
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.NoError(t, err)

	assert.Equal(t, AllowanceSufficient, res.State)
	assert.True(t, res.Confirmed)
	assert.Empty(t, backend.sentTxs(), "no transaction when allowance already covers the sale")
}

func TestEnsureDirectApprove(t *testing.T) {
	backend := newFakeBackend()
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.NoError(t, err)

	assert.Equal(t, AllowanceApproved, res.State)
	assert.True(t, res.Confirmed)
	require.Len(t, backend.sentTxs(), 1)
	assert.Equal(t, twei(100), backend.allowance)
}

func TestEnsureRevokeThenApprove(t *testing.T) {
	backend := newFakeBackend()
	backend.allowance = twei(1) // non-zero, and the token rejects raising it
	backend.approveDryRunErr = errors.New("execution reverted: approve from non-zero")
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.NoError(t, err)

	assert.Equal(t, AllowanceApproved, res.State)
	txs := backend.sentTxs()
	require.Len(t, txs, 2)
	require.Len(t, res.TxHashes, 2)

	// First approve(0), then approve(required)
	first := new(big.Int).SetBytes(txs[0].Data()[36:68])
	second := new(big.Int).SetBytes(txs[1].Data()[36:68])
	assert.Zero(t, first.Sign())
	assert.Equal(t, twei(100), second)
}

func TestEnsurePollTimeoutDowngradesToUnconfirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.approvalLag = 100 // never observed within the polling budget
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.NoError(t, err, "poll timeout is a warning, not a failure")

	assert.Equal(t, AllowanceApproved, res.State)
	assert.False(t, res.Confirmed)
	require.Len(t, backend.sentTxs(), 1)
}

func TestEnsureLaggedReadEventuallyConfirms(t *testing.T) {
	backend := newFakeBackend()
	backend.approvalLag = 2 // allowance read catches up on the third poll
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.NoError(t, err)

	assert.Equal(t, AllowanceApproved, res.State)
	assert.True(t, res.Confirmed)
}

func TestEnsureSubmissionFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("nonce too low")
	signer := &fakeSigner{addr: testWallet}

	res, err := fastReconciler().Ensure(context.Background(), backend, signer, testToken, testPool, twei(100))
	require.Error(t, err)
	assert.Equal(t, AllowanceFailed, res.State)
}
