package trade

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the fixed vocabulary of terminal trade results surfaced to
// the UI. Raw provider errors never escape past this mapping.
type Outcome string

const (
	OutcomeSubmitted                 Outcome = "submitted"
	OutcomeUnquotable                Outcome = "unquotable"
	OutcomeInsufficientAllowance     Outcome = "insufficient_allowance"
	OutcomeInsufficientTokenBalance  Outcome = "insufficient_token_balance"
	OutcomeInsufficientNativeBalance Outcome = "insufficient_native_balance"
	OutcomeUserRejected              Outcome = "user_rejected"
	OutcomeGenericRevert             Outcome = "generic_revert"
)

// TradeOutcome is the terminal result of one trade attempt
type TradeOutcome struct {
	ID      string      `json:"id"`
	Outcome Outcome     `json:"outcome"`
	TxHash  common.Hash `json:"tx_hash,omitempty"`
	// Message is one short actionable sentence for the user
	Message string `json:"message"`
	// DeficitWei is set only for insufficient_native_balance
	DeficitWei *big.Int `json:"deficit_wei,omitempty"`
}

func newOutcome(o Outcome, msg string) TradeOutcome {
	return TradeOutcome{
		ID:      uuid.New().String(),
		Outcome: o,
		Message: msg,
	}
}

// classifyRevert maps a revert or submission error onto the outcome
// vocabulary by substring, mirroring how wallets and nodes phrase them
func classifyRevert(err error) Outcome {
	if err == nil {
		return OutcomeSubmitted
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "user rejected"),
		strings.Contains(msg, "user denied"),
		strings.Contains(msg, "rejected by user"):
		return OutcomeUserRejected
	case strings.Contains(msg, "insufficient allowance"),
		strings.Contains(msg, "transfer amount exceeds allowance"):
		return OutcomeInsufficientAllowance
	case strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "transfer amount exceeds balance"):
		return OutcomeInsufficientTokenBalance
	case strings.Contains(msg, "insufficient funds"):
		return OutcomeInsufficientNativeBalance
	default:
		return OutcomeGenericRevert
	}
}

// outcomeMessage returns the actionable sentence for an outcome without
// extra context
func outcomeMessage(o Outcome) string {
	switch o {
	case OutcomeSubmitted:
		return "Transaction submitted."
	case OutcomeUnquotable:
		return "This pool cannot be quoted right now."
	case OutcomeInsufficientAllowance:
		return "Token approval is missing or too low. Approve the token and try again."
	case OutcomeInsufficientTokenBalance:
		return "You don't hold enough tokens for this sale."
	case OutcomeInsufficientNativeBalance:
		return "Insufficient native balance to cover this transaction."
	case OutcomeUserRejected:
		return "Transaction was rejected in the wallet."
	default:
		return "Transaction would fail. Try a smaller amount."
	}
}

// formatNative renders wei as a short decimal native amount for user
// messages. Display only; never feeds a transaction.
func formatNative(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).StringFixed(6)
}

// deficitMessage tells the user how much more native currency they need
func deficitMessage(deficit *big.Int) string {
	return fmt.Sprintf("Insufficient native balance for gas. You need about %s more.", formatNative(deficit))
}
