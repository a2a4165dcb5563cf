package market

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// Side identifies the direction of a trade against the curve
type Side int

const (
	// Buy is native currency in, tokens out
	Buy Side = iota
	// Sell is tokens in, native currency out
	Sell
)

// String returns string representation of side
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// priceScale is the fixed-point scale of the explicit price field emitted
// by current pool contracts
var priceScale = big.NewInt(1e18)

// Trade is one normalized curve trade. Immutable once created; ordering
// key is (BlockNumber, LogIndex) ascending.
type Trade struct {
	Side            Side           `json:"side"`
	Trader          common.Address `json:"trader"`
	NativeAmountWei *big.Int       `json:"native_amount_wei"`
	TokenAmountRaw  *big.Int       `json:"token_amount_raw"`
	// Price is native per token in natural units (wei and raw cancel at
	// equal decimals). Kept rational so amounts feeding transactions never
	// round; converted to float only for charting.
	Price       *big.Rat    `json:"-"`
	BlockNumber uint64      `json:"block_number"`
	LogIndex    uint        `json:"log_index"`
	Timestamp   uint64      `json:"timestamp"`
	TxHash      common.Hash `json:"tx_hash"`
}

// PriceFloat64 returns the trade price for display and candle building
func (t *Trade) PriceFloat64() float64 {
	f, _ := t.Price.Float64()
	return f
}

// Current pool contracts emit a trailing fixed-point price; older
// deployments emitted only the two amounts. Both generations remain live
// on chain, so both are decoded.
const curveEventsABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "buyer", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nativeIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "tokensOut", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "price", "type": "uint256"}
		],
		"name": "Buy",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "seller", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "tokensIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "nativeOut", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "price", "type": "uint256"}
		],
		"name": "Sell",
		"type": "event"
	}
]`

const legacyCurveEventsABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "buyer", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nativeIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "tokensOut", "type": "uint256"}
		],
		"name": "Buy",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "seller", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "tokensIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "nativeOut", "type": "uint256"}
		],
		"name": "Sell",
		"type": "event"
	}
]`

// eventSchema is one known event shape. Schemas are tried in priority
// order; the first that decodes wins.
type eventSchema struct {
	id     common.Hash
	name   string
	decode func(l types.Log) (*Trade, error)
}

// Normalizer parses raw logs against the closed set of known curve event
// shapes and produces canonical trades. Parsing is pure: the same log
// always yields the same trade.
type Normalizer struct {
	schemas []eventSchema
	logger  *observability.Logger
}

// NewNormalizer creates a new Normalizer
func NewNormalizer(logger *observability.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}

	current, err := abi.JSON(strings.NewReader(curveEventsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse curve events ABI: %w", err)
	}
	legacy, err := abi.JSON(strings.NewReader(legacyCurveEventsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse legacy curve events ABI: %w", err)
	}

	n := &Normalizer{logger: logger}

	n.schemas = []eventSchema{
		{
			id:     current.Events["Buy"].ID,
			name:   "Buy(address,uint256,uint256,uint256)",
			decode: decodeWithPrice(current, "Buy", Buy),
		},
		{
			id:     current.Events["Sell"].ID,
			name:   "Sell(address,uint256,uint256,uint256)",
			decode: decodeWithPrice(current, "Sell", Sell),
		},
		{
			id:     legacy.Events["Buy"].ID,
			name:   "Buy(address,uint256,uint256)",
			decode: decodeAmountsOnly(legacy, "Buy", Buy),
		},
		{
			id:     legacy.Events["Sell"].ID,
			name:   "Sell(address,uint256,uint256)",
			decode: decodeAmountsOnly(legacy, "Sell", Sell),
		},
	}

	return n, nil
}

// Topics returns the topic filter matching every known event shape,
// suitable for an eth_getLogs query.
func (n *Normalizer) Topics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(n.schemas))
	for _, s := range n.schemas {
		ids = append(ids, s.id)
	}
	return [][]common.Hash{ids}
}

// Parse normalizes one raw log. Returns (nil, false) when the log matches
// no known schema or decodes to a degenerate trade; both are expected on
// shared topic-filtered queries and are not errors.
func (n *Normalizer) Parse(l types.Log) (*Trade, bool) {
	if len(l.Topics) == 0 {
		return nil, false
	}

	for _, schema := range n.schemas {
		if l.Topics[0] != schema.id {
			continue
		}

		trade, err := schema.decode(l)
		if err != nil {
			n.logger.Debug("log matched topic but failed to decode, skipping",
				"schema", schema.name,
				"block", l.BlockNumber,
				"tx", l.TxHash.Hex(),
				"error", err,
			)
			continue
		}

		// A zero or negative price would corrupt candle seeding downstream;
		// drop the trade rather than emit it
		if trade.Price.Sign() <= 0 {
			return nil, false
		}

		return trade, true
	}

	return nil, false
}

// decodeWithPrice decodes the current 4-argument shape carrying an
// explicit fixed-point price
func decodeWithPrice(contractABI abi.ABI, event string, side Side) func(l types.Log) (*Trade, error) {
	return func(l types.Log) (*Trade, error) {
		if len(l.Topics) != 2 {
			return nil, fmt.Errorf("expected 2 topics, got %d", len(l.Topics))
		}

		values, err := contractABI.Unpack(event, l.Data)
		if err != nil {
			return nil, err
		}
		if len(values) != 3 {
			return nil, fmt.Errorf("expected 3 data words, got %d", len(values))
		}

		first, ok0 := values[0].(*big.Int)
		second, ok1 := values[1].(*big.Int)
		price, ok2 := values[2].(*big.Int)
		if !ok0 || !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected data word types")
		}

		trade := tradeFromLog(l, side, first, second)
		trade.Price = new(big.Rat).SetFrac(price, priceScale)
		return trade, nil
	}
}

// decodeAmountsOnly decodes the legacy 3-argument shape; the price is
// derived from the amounts ratio
func decodeAmountsOnly(contractABI abi.ABI, event string, side Side) func(l types.Log) (*Trade, error) {
	return func(l types.Log) (*Trade, error) {
		if len(l.Topics) != 2 {
			return nil, fmt.Errorf("expected 2 topics, got %d", len(l.Topics))
		}

		values, err := contractABI.Unpack(event, l.Data)
		if err != nil {
			return nil, err
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("expected 2 data words, got %d", len(values))
		}

		first, ok0 := values[0].(*big.Int)
		second, ok1 := values[1].(*big.Int)
		if !ok0 || !ok1 {
			return nil, fmt.Errorf("unexpected data word types")
		}

		trade := tradeFromLog(l, side, first, second)
		if trade.TokenAmountRaw.Sign() == 0 {
			return nil, fmt.Errorf("zero token amount")
		}
		trade.Price = new(big.Rat).SetFrac(trade.NativeAmountWei, trade.TokenAmountRaw)
		return trade, nil
	}
}

// tradeFromLog maps the two amount words onto native/token amounts. Buy
// events order them (nativeIn, tokensOut); sell events (tokensIn, nativeOut).
func tradeFromLog(l types.Log, side Side, first, second *big.Int) *Trade {
	t := &Trade{
		Side:        side,
		Trader:      common.BytesToAddress(l.Topics[1].Bytes()),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		TxHash:      l.TxHash,
	}
	if side == Buy {
		t.NativeAmountWei = first
		t.TokenAmountRaw = second
	} else {
		t.NativeAmountWei = second
		t.TokenAmountRaw = first
	}
	return t
}
