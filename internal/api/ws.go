package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/avigliano/curve-engine/internal/market"
	"github.com/avigliano/curve-engine/internal/platform/observability"
)

// Hub fans newly observed trades out to connected websocket clients.
// Slow or dead clients are dropped rather than allowed to stall the
// broadcast.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a new websocket hub
func NewHub(logger *observability.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from arbitrary origins in development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: metrics,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// tradeEvent is the wire shape of one broadcast trade
type tradeEvent struct {
	Type    string        `json:"type"`
	ChainID uint64        `json:"chain_id"`
	Pool    string        `json:"pool"`
	Trade   *market.Trade `json:"trade"`
	Price   string        `json:"price"`
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.LogWarn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	h.add(conn)
	defer h.drop(conn)

	// Reads are discarded; the loop exists to notice the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastTrade pushes one trade to every connected client. Satisfies
// market.TradeListener via a method value.
func (h *Hub) BroadcastTrade(chainID uint64, pool common.Address, trade *market.Trade) {
	event := tradeEvent{
		Type:    "trade",
		ChainID: chainID,
		Pool:    pool.Hex(),
		Trade:   trade,
		Price:   formatPrice(trade.PriceFloat64()),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	h.recordCount(len(h.clients))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
	h.recordCount(len(h.clients))
}

func (h *Hub) drop(conn *websocket.Conn) {
	conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	h.recordCount(len(h.clients))
}

func (h *Hub) recordCount(n int) {
	if h.metrics != nil {
		h.metrics.RecordStreamClients(context.Background(), n)
	}
}
