package trade

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// AllowanceState is the reconciler's position in the approval flow
type AllowanceState int

const (
	AllowanceUnknown AllowanceState = iota
	AllowanceChecked
	AllowanceSufficient
	AllowancePendingApproval
	AllowanceApproving
	AllowanceApproved
	AllowanceFailed
)

// String returns string representation of the state
func (s AllowanceState) String() string {
	switch s {
	case AllowanceChecked:
		return "checked"
	case AllowanceSufficient:
		return "sufficient"
	case AllowancePendingApproval:
		return "pending_approval"
	case AllowanceApproving:
		return "approving"
	case AllowanceApproved:
		return "approved"
	case AllowanceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconcileResult is the terminal result of one allowance reconciliation
type ReconcileResult struct {
	State AllowanceState
	// Confirmed is false when an approval was sent but the follow-up
	// allowance read never caught up within the polling budget. The
	// subsequent preflight/estimate makes the final call.
	Confirmed bool
	// TxHashes lists approval transactions sent, in order
	TxHashes []common.Hash
}

// ReconcilerConfig bounds the post-approval allowance polling
type ReconcilerConfig struct {
	PollTries int
	PollDelay time.Duration
}

// DefaultReconcilerConfig returns the default polling budget
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		PollTries: 10,
		PollDelay: 1500 * time.Millisecond,
	}
}

// AllowanceReconciler decides whether an ERC-20 approval is required
// before a sell and executes the minimal approval path. The allowance is
// read fresh at the start of every reconciliation; a cached value older
// than the current attempt is never trusted.
type AllowanceReconciler struct {
	cfg     ReconcilerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewAllowanceReconciler creates a new AllowanceReconciler
func NewAllowanceReconciler(cfg ReconcilerConfig, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) *AllowanceReconciler {
	if cfg.PollTries <= 0 {
		cfg.PollTries = 10
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &AllowanceReconciler{cfg: cfg, logger: logger, metrics: metrics, tracer: tracer}
}

// Ensure brings the signer's allowance for spender on token up to at
// least required. No transaction is sent when the current allowance
// already suffices. Tokens that reject raising a non-zero allowance get
// the revoke-then-approve path.
func (r *AllowanceReconciler) Ensure(ctx context.Context, backend Backend, signer Signer, token, spender common.Address, required *big.Int) (ReconcileResult, error) {
	ctx, span := r.tracer.StartSpan(ctx, "AllowanceReconciler.Ensure",
		observability.WithAttributes(
			attribute.String("token", token.Hex()),
			attribute.String("spender", spender.Hex()),
		),
	)
	defer span.End()

	owner := signer.Address()

	current, err := erc20Allowance(ctx, backend, token, owner, spender)
	if err != nil {
		span.NoticeError(err)
		return ReconcileResult{State: AllowanceFailed}, err
	}

	if current.Cmp(required) >= 0 {
		if r.metrics != nil {
			r.metrics.RecordApproval(ctx, "sufficient")
		}
		return ReconcileResult{State: AllowanceSufficient, Confirmed: true}, nil
	}

	result := ReconcileResult{State: AllowancePendingApproval}

	// Dry-run the direct approve: some tokens revert when raising a
	// non-zero allowance and require a revoke first
	direct := true
	if current.Sign() > 0 {
		if err := r.dryRunApprove(ctx, backend, owner, token, spender, required); err != nil {
			r.logger.LogInfo(ctx, "direct approve rejected, falling back to revoke-then-approve",
				"token", token.Hex(),
				"error", err,
			)
			direct = false
		}
	}

	if !direct {
		hash, err := r.sendApprove(ctx, backend, signer, token, spender, big.NewInt(0))
		if err != nil {
			span.NoticeError(err)
			return ReconcileResult{State: AllowanceFailed, TxHashes: result.TxHashes}, err
		}
		result.TxHashes = append(result.TxHashes, hash)
		if r.metrics != nil {
			r.metrics.RecordApproval(ctx, "revoke")
		}

		// The approve that follows reverts unless the revoke has landed
		if !r.pollAllowance(ctx, backend, token, owner, spender, func(a *big.Int) bool { return a.Sign() == 0 }) {
			err := fmt.Errorf("allowance revoke for %s not observed", token.Hex())
			span.NoticeError(err)
			return ReconcileResult{State: AllowanceFailed, TxHashes: result.TxHashes}, err
		}
	}

	result.State = AllowanceApproving
	hash, err := r.sendApprove(ctx, backend, signer, token, spender, required)
	if err != nil {
		span.NoticeError(err)
		return ReconcileResult{State: AllowanceFailed, TxHashes: result.TxHashes}, err
	}
	result.TxHashes = append(result.TxHashes, hash)
	if r.metrics != nil {
		r.metrics.RecordApproval(ctx, "approve")
	}

	// The read may lag the write by a block or two; poll before declaring
	// victory. A timeout is a warning, not a failure: the preflight
	// estimate right after makes the authoritative check.
	confirmed := r.pollAllowance(ctx, backend, token, owner, spender, func(a *big.Int) bool {
		return a.Cmp(required) >= 0
	})
	if !confirmed {
		r.logger.LogWarn(ctx, "approval sent but allowance not yet observed",
			"token", token.Hex(),
			"tx", hash.Hex(),
		)
	}

	result.State = AllowanceApproved
	result.Confirmed = confirmed
	return result, nil
}

func (r *AllowanceReconciler) dryRunApprove(ctx context.Context, backend Backend, owner, token, spender common.Address, amount *big.Int) error {
	data, err := approveCalldata(spender, amount)
	if err != nil {
		return err
	}
	_, err = backend.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data}, nil)
	return err
}

func (r *AllowanceReconciler) sendApprove(ctx context.Context, backend Backend, signer Signer, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := approveCalldata(spender, amount)
	if err != nil {
		return common.Hash{}, err
	}

	owner := signer.Address()

	nonce, err := backend.PendingNonceAt(ctx, owner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce read failed: %w", err)
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		gasPrice = big.NewInt(5_000_000_000)
	}

	call := ethereum.CallMsg{From: owner, To: &token, Data: data}
	gasLimit, err := backend.EstimateGas(ctx, call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve gas estimation failed: %w", err)
	}
	gasLimit += gasLimit / 5

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve signing failed: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("approve submission failed: %w", err)
	}

	return signed.Hash(), nil
}

// pollAllowance re-reads the allowance until done(allowance) or the
// polling budget runs out
func (r *AllowanceReconciler) pollAllowance(ctx context.Context, backend Backend, token, owner, spender common.Address, done func(*big.Int) bool) bool {
	for i := 0; i < r.cfg.PollTries; i++ {
		current, err := erc20Allowance(ctx, backend, token, owner, spender)
		if err == nil && done(current) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.cfg.PollDelay):
		}
	}
	return false
}
