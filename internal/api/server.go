package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/avigliano/curve-engine/internal/chain"
	"github.com/avigliano/curve-engine/internal/market"
	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/token"
	"github.com/avigliano/curve-engine/internal/trade"
)

// MinBuyFunc estimates the minimum accepted buy amount for a pool
type MinBuyFunc func(ctx context.Context, chainID uint64, pool common.Address) (*big.Int, error)

// Deps holds everything the HTTP surface exposes
type Deps struct {
	History      *market.HistoryService
	Orchestrator *trade.Orchestrator
	Registry     token.Registry
	MinBuy       MinBuyFunc
	Hub          *Hub
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Server is the UI-facing HTTP API
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer creates a new Server and mounts all routes
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger("info", "json")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{deps: deps, router: router}
	s.routes()
	return s
}

// Handler returns the mounted HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	if s.deps.Hub != nil {
		s.router.GET("/ws", gin.WrapH(s.deps.Hub))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/pools/:pool/trades", s.handleTrades)
		v1.GET("/pools/:pool/candles", s.handleCandles)
		v1.GET("/pools/:pool/quote/buy", s.handleQuoteBuy)
		v1.GET("/pools/:pool/quote/sell", s.handleQuoteSell)
		v1.GET("/pools/:pool/min-buy", s.handleMinBuy)
		v1.POST("/pools/:pool/buy", s.handleBuy)
		v1.POST("/pools/:pool/sell", s.handleSell)
		v1.GET("/tokens/:address", s.handleTokenMetadata)
	}
}

// tradeView is the display shape of one trade: base-unit strings for
// precision plus pre-formatted decimals for rendering
type tradeView struct {
	Side          string `json:"side"`
	Trader        string `json:"trader"`
	NativeWei     string `json:"native_amount_wei"`
	TokenRaw      string `json:"token_amount_raw"`
	NativeDisplay string `json:"native_amount"`
	TokenDisplay  string `json:"token_amount"`
	Price         string `json:"price"`
	BlockNumber   uint64 `json:"block_number"`
	Timestamp     uint64 `json:"timestamp"`
	TxHash        string `json:"tx_hash"`
}

func newTradeView(t *market.Trade) tradeView {
	return tradeView{
		Side:          t.Side.String(),
		Trader:        t.Trader.Hex(),
		NativeWei:     t.NativeAmountWei.String(),
		TokenRaw:      t.TokenAmountRaw.String(),
		NativeDisplay: formatUnits(t.NativeAmountWei, 18),
		TokenDisplay:  formatUnits(t.TokenAmountRaw, 18),
		Price:         formatPrice(t.PriceFloat64()),
		BlockNumber:   t.BlockNumber,
		Timestamp:     t.Timestamp,
		TxHash:        t.TxHash.Hex(),
	}
}

func (s *Server) handleTrades(c *gin.Context) {
	chainID, pool, ok := s.poolParams(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	trades, err := s.deps.History.Trades(c.Request.Context(), chainID, pool, limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t))
	}

	// Ascending by (block, logIndex): newest last
	c.JSON(http.StatusOK, gin.H{"trades": views, "order": "newest_last"})
}

func (s *Server) handleCandles(c *gin.Context) {
	chainID, pool, ok := s.poolParams(c)
	if !ok {
		return
	}

	candles, err := s.deps.History.Candles(c.Request.Context(), chainID, pool)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}

type buyQuoteView struct {
	TokensOut    string `json:"tokens_out_raw"`
	TokensOutFmt string `json:"tokens_out"`
	FeeWei       string `json:"fee_wei"`
	MinTokensOut string `json:"min_tokens_out_raw"`
	PriceAfter   string `json:"price_after_scaled"`
	SlippageBps  int64  `json:"slippage_bps"`
	Unquotable   bool   `json:"unquotable"`
}

func (s *Server) handleQuoteBuy(c *gin.Context) {
	chainID, pool, ok := s.poolParams(c)
	if !ok {
		return
	}
	amount, ok := s.amountParam(c, "amount_wei")
	if !ok {
		return
	}
	slippage := s.slippageParam(c)

	q, err := s.deps.Orchestrator.QuoteBuy(c.Request.Context(), chainID, pool, amount, slippage)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, buyQuoteView{
		TokensOut:    q.TokensOut.String(),
		TokensOutFmt: formatUnits(q.TokensOut, 18),
		FeeWei:       q.FeeWei.String(),
		MinTokensOut: q.MinTokensOut.String(),
		PriceAfter:   q.PriceAfterScaled.String(),
		SlippageBps:  q.SlippageBps,
		Unquotable:   q.Unquotable,
	})
}

type sellQuoteView struct {
	NativeOut    string `json:"native_out_wei"`
	NativeOutFmt string `json:"native_out"`
	FeeWei       string `json:"fee_wei"`
	MinNativeOut string `json:"min_native_out_wei"`
	PriceAfter   string `json:"price_after_scaled"`
	SlippageBps  int64  `json:"slippage_bps"`
	Unquotable   bool   `json:"unquotable"`
}

func (s *Server) handleQuoteSell(c *gin.Context) {
	chainID, pool, ok := s.poolParams(c)
	if !ok {
		return
	}
	amount, ok := s.amountParam(c, "amount_raw")
	if !ok {
		return
	}
	slippage := s.slippageParam(c)

	q, err := s.deps.Orchestrator.QuoteSell(c.Request.Context(), chainID, pool, amount, slippage)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, sellQuoteView{
		NativeOut:    q.NativeOutWei.String(),
		NativeOutFmt: formatUnits(q.NativeOutWei, 18),
		FeeWei:       q.FeeWei.String(),
		MinNativeOut: q.MinNativeOutWei.String(),
		PriceAfter:   q.PriceAfterScaled.String(),
		SlippageBps:  q.SlippageBps,
		Unquotable:   q.Unquotable,
	})
}

func (s *Server) handleMinBuy(c *gin.Context) {
	if s.deps.MinBuy == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "min-buy probe not configured"})
		return
	}
	chainID, pool, ok := s.poolParams(c)
	if !ok {
		return
	}

	min, err := s.deps.MinBuy(c.Request.Context(), chainID, pool)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"min_buy_wei": min.String(),
		"min_buy":     formatUnits(min, 18),
		"advisory":    true,
	})
}

type tradeRequest struct {
	ChainID     uint64 `json:"chain_id" binding:"required"`
	AmountWei   string `json:"amount_wei" binding:"required"`
	SlippageBps int64  `json:"slippage_bps"`
}

func (s *Server) handleBuy(c *gin.Context) {
	s.executeTrade(c, s.deps.Orchestrator.Buy)
}

func (s *Server) handleSell(c *gin.Context) {
	s.executeTrade(c, s.deps.Orchestrator.Sell)
}

func (s *Server) executeTrade(c *gin.Context, exec func(context.Context, uint64, common.Address, *big.Int, int64) (trade.TradeOutcome, error)) {
	pool, ok := s.poolAddress(c)
	if !ok {
		return
	}

	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid trade request body")
		return
	}

	amount, valid := new(big.Int).SetString(req.AmountWei, 10)
	if !valid || amount.Sign() <= 0 {
		badRequest(c, "amount_wei must be a positive integer string")
		return
	}

	outcome, err := exec(c.Request.Context(), req.ChainID, pool, amount, req.SlippageBps)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if outcome.Outcome != trade.OutcomeSubmitted {
		status = http.StatusUnprocessableEntity
	}

	resp := gin.H{
		"id":      outcome.ID,
		"outcome": string(outcome.Outcome),
		"message": outcome.Message,
	}
	if outcome.TxHash != (common.Hash{}) {
		resp["tx_hash"] = outcome.TxHash.Hex()
	}
	if outcome.DeficitWei != nil {
		resp["deficit_wei"] = outcome.DeficitWei.String()
		resp["deficit"] = formatUnits(outcome.DeficitWei, 18)
	}
	c.JSON(status, resp)
}

func (s *Server) handleTokenMetadata(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "token registry not configured"})
		return
	}

	chainID, ok := s.chainParam(c)
	if !ok {
		return
	}
	if !common.IsHexAddress(c.Param("address")) {
		badRequest(c, "invalid token address")
		return
	}
	addr := common.HexToAddress(c.Param("address"))

	meta, err := s.deps.Registry.Lookup(c.Request.Context(), chainID, addr)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// --- parameter helpers ---

func (s *Server) poolParams(c *gin.Context) (uint64, common.Address, bool) {
	chainID, ok := s.chainParam(c)
	if !ok {
		return 0, common.Address{}, false
	}
	pool, ok := s.poolAddress(c)
	if !ok {
		return 0, common.Address{}, false
	}
	return chainID, pool, true
}

func (s *Server) chainParam(c *gin.Context) (uint64, bool) {
	raw := c.Query("chain_id")
	if raw == "" {
		badRequest(c, "chain_id query parameter is required")
		return 0, false
	}
	chainID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || chainID == 0 {
		badRequest(c, "chain_id must be a positive integer")
		return 0, false
	}
	return chainID, true
}

func (s *Server) poolAddress(c *gin.Context) (common.Address, bool) {
	raw := c.Param("pool")
	if !common.IsHexAddress(raw) {
		badRequest(c, "invalid pool address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) amountParam(c *gin.Context, name string) (*big.Int, bool) {
	raw := c.Query(name)
	if raw == "" {
		badRequest(c, fmt.Sprintf("%s query parameter is required", name))
		return nil, false
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		badRequest(c, fmt.Sprintf("%s must be a positive integer string", name))
		return nil, false
	}
	return amount, true
}

func (s *Server) slippageParam(c *gin.Context) int64 {
	raw := c.Query("slippage_bps")
	if raw == "" {
		return 0 // engine default
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// fail maps internal errors onto HTTP statuses without leaking raw
// provider strings
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trade.ErrTradeInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a trade is already in flight"})
	case errors.Is(err, chain.ErrNoLiveEndpoint):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no live RPC endpoint for this chain"})
	case errors.Is(err, chain.ErrUnknownChain):
		badRequest(c, "unsupported chain")
	default:
		s.deps.Logger.LogError(c.Request.Context(), "request failed", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// formatUnits renders base units as a decimal string for display
func formatUnits(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

// formatPrice renders a float price compactly for display
func formatPrice(p float64) string {
	return decimal.NewFromFloat(p).String()
}
