package trade

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/quote"
)

// ErrTradeInFlight is returned when a second write is attempted while one
// is pending. Writes are strictly sequential per orchestrator.
var ErrTradeInFlight = errors.New("a trade is already in flight")

// Orchestrator sequences a full trade: fresh snapshot, quote, allowance
// (sell only), dry run, preflight, submission. Every attempt re-reads
// pool and allowance state; nothing is trusted across attempts.
type Orchestrator struct {
	backend   BackendFunc
	snapshots *SnapshotReader
	engine    *quote.Engine
	allowance *AllowanceReconciler
	preflight *Preflight
	signer    Signer
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer

	// inFlight serializes writes; TryLock failure means a trade is pending
	inFlight sync.Mutex
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(
	backend BackendFunc,
	snapshots *SnapshotReader,
	engine *quote.Engine,
	allowance *AllowanceReconciler,
	preflight *Preflight,
	signer Signer,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer observability.Tracer,
) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Orchestrator{
		backend:   backend,
		snapshots: snapshots,
		engine:    engine,
		allowance: allowance,
		preflight: preflight,
		signer:    signer,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Buy spends nativeIn wei against the pool. Returns ErrTradeInFlight when
// another write is pending; every other failure is a TradeOutcome.
func (o *Orchestrator) Buy(ctx context.Context, chainID uint64, pool common.Address, nativeIn *big.Int, slippageBps int64) (TradeOutcome, error) {
	if !o.inFlight.TryLock() {
		return TradeOutcome{}, ErrTradeInFlight
	}
	defer o.inFlight.Unlock()

	ctx, span := o.tracer.StartSpan(ctx, "Orchestrator.Buy",
		observability.WithAttributes(
			attribute.Int64("chain_id", int64(chainID)),
			attribute.String("pool", pool.Hex()),
		),
	)
	defer span.End()

	backend, err := o.backend(ctx, chainID)
	if err != nil {
		return TradeOutcome{}, err
	}

	snap, err := o.snapshots.ReadWith(ctx, backend, pool)
	if err != nil {
		return TradeOutcome{}, err
	}

	q := o.engine.PreviewBuy(snap.PoolSnapshot, nativeIn, slippageBps)
	if o.metrics != nil {
		o.metrics.RecordQuote(ctx, "buy", !q.Unquotable)
	}
	if q.Unquotable {
		return o.finish(ctx, newOutcome(OutcomeUnquotable, outcomeMessage(OutcomeUnquotable))), nil
	}

	data, err := buyCalldata(q.MinTokensOut)
	if err != nil {
		return TradeOutcome{}, err
	}

	call := ethereum.CallMsg{
		From:  o.signer.Address(),
		To:    &pool,
		Value: nativeIn,
		Data:  data,
	}

	return o.submit(ctx, backend, call, "buy"), nil
}

// Sell trades tokensIn raw units back to native. Returns ErrTradeInFlight
// when another write is pending.
func (o *Orchestrator) Sell(ctx context.Context, chainID uint64, pool common.Address, tokensIn *big.Int, slippageBps int64) (TradeOutcome, error) {
	if !o.inFlight.TryLock() {
		return TradeOutcome{}, ErrTradeInFlight
	}
	defer o.inFlight.Unlock()

	ctx, span := o.tracer.StartSpan(ctx, "Orchestrator.Sell",
		observability.WithAttributes(
			attribute.Int64("chain_id", int64(chainID)),
			attribute.String("pool", pool.Hex()),
		),
	)
	defer span.End()

	backend, err := o.backend(ctx, chainID)
	if err != nil {
		return TradeOutcome{}, err
	}

	snap, err := o.snapshots.ReadWith(ctx, backend, pool)
	if err != nil {
		return TradeOutcome{}, err
	}

	owner := o.signer.Address()

	balance, err := erc20BalanceOf(ctx, backend, snap.Token, owner)
	if err != nil {
		return TradeOutcome{}, err
	}
	if tokensIn == nil || tokensIn.Sign() <= 0 || balance.Cmp(tokensIn) < 0 {
		return o.finish(ctx, newOutcome(OutcomeInsufficientTokenBalance, outcomeMessage(OutcomeInsufficientTokenBalance))), nil
	}

	rec, err := o.allowance.Ensure(ctx, backend, o.signer, snap.Token, pool, tokensIn)
	if err != nil || rec.State == AllowanceFailed {
		o.logger.LogWarn(ctx, "allowance reconciliation failed",
			"token", snap.Token.Hex(),
			"state", rec.State.String(),
			"error", err,
		)
		return o.finish(ctx, newOutcome(OutcomeInsufficientAllowance, outcomeMessage(OutcomeInsufficientAllowance))), nil
	}

	// The approval may have consumed time; quote off a fresh snapshot
	snap, err = o.snapshots.ReadWith(ctx, backend, pool)
	if err != nil {
		return TradeOutcome{}, err
	}

	q := o.engine.PreviewSell(snap.PoolSnapshot, tokensIn, slippageBps)
	if o.metrics != nil {
		o.metrics.RecordQuote(ctx, "sell", !q.Unquotable)
	}
	if q.Unquotable {
		return o.finish(ctx, newOutcome(OutcomeUnquotable, outcomeMessage(OutcomeUnquotable))), nil
	}

	data, err := sellCalldata(tokensIn, q.MinNativeOutWei)
	if err != nil {
		return TradeOutcome{}, err
	}

	call := ethereum.CallMsg{
		From: owner,
		To:   &pool,
		Data: data,
	}

	return o.submit(ctx, backend, call, "sell"), nil
}

// submit dry-runs the exact call, preflights it, then signs and sends a
// legacy transaction
func (o *Orchestrator) submit(ctx context.Context, backend Backend, call ethereum.CallMsg, side string) TradeOutcome {
	if _, err := backend.CallContract(ctx, call, nil); err != nil {
		kind := classifyRevert(err)
		o.logger.LogWarn(ctx, "trade dry run reverted",
			"side", side,
			"outcome", string(kind),
			"error", err,
		)
		return o.finish(ctx, newOutcome(kind, outcomeMessage(kind)))
	}

	gasPrice, gasLimit, err := o.preflight.EnsureAffordable(ctx, backend, call)
	if err != nil {
		var insufficient *InsufficientNativeBalanceError
		if errors.As(err, &insufficient) {
			out := newOutcome(OutcomeInsufficientNativeBalance, insufficient.Error())
			out.DeficitWei = insufficient.DeficitWei
			return o.finish(ctx, out)
		}
		kind := classifyRevert(err)
		return o.finish(ctx, newOutcome(kind, outcomeMessage(kind)))
	}

	nonce, err := backend.PendingNonceAt(ctx, call.From)
	if err != nil {
		kind := classifyRevert(err)
		return o.finish(ctx, newOutcome(kind, outcomeMessage(kind)))
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	// Legacy type-0 transaction with explicit gas parameters; the curve
	// chains in play predate dynamic fees
	tx := types.NewTransaction(nonce, *call.To, value, gasLimit, gasPrice, call.Data)

	signed, err := o.signer.SignTx(tx)
	if err != nil {
		kind := classifyRevert(err)
		return o.finish(ctx, newOutcome(kind, outcomeMessage(kind)))
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		kind := classifyRevert(err)
		return o.finish(ctx, newOutcome(kind, outcomeMessage(kind)))
	}

	if o.metrics != nil {
		o.metrics.RecordTradeSubmitted(ctx, side)
	}
	o.logger.LogInfo(ctx, "trade submitted",
		"side", side,
		"tx", signed.Hash().Hex(),
	)

	out := newOutcome(OutcomeSubmitted, outcomeMessage(OutcomeSubmitted))
	out.TxHash = signed.Hash()
	return o.finish(ctx, out)
}

func (o *Orchestrator) finish(ctx context.Context, out TradeOutcome) TradeOutcome {
	if o.metrics != nil {
		o.metrics.RecordTradeOutcome(ctx, string(out.Outcome))
	}
	return out
}

// QuoteBuy previews a buy without any write, for the UI's live quote box
func (o *Orchestrator) QuoteBuy(ctx context.Context, chainID uint64, pool common.Address, nativeIn *big.Int, slippageBps int64) (quote.BuyQuote, error) {
	snap, err := o.snapshots.Read(ctx, chainID, pool)
	if err != nil {
		return quote.BuyQuote{}, err
	}
	q := o.engine.PreviewBuy(snap.PoolSnapshot, nativeIn, slippageBps)
	if o.metrics != nil {
		o.metrics.RecordQuote(ctx, "buy", !q.Unquotable)
	}
	return q, nil
}

// QuoteSell previews a sell without any write
func (o *Orchestrator) QuoteSell(ctx context.Context, chainID uint64, pool common.Address, tokensIn *big.Int, slippageBps int64) (quote.SellQuote, error) {
	snap, err := o.snapshots.Read(ctx, chainID, pool)
	if err != nil {
		return quote.SellQuote{}, err
	}
	q := o.engine.PreviewSell(snap.PoolSnapshot, tokensIn, slippageBps)
	if o.metrics != nil {
		o.metrics.RecordQuote(ctx, "sell", !q.Unquotable)
	}
	return q, nil
}
