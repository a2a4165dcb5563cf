package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/platform/resilience"
)

// defaultProbeTimeout bounds the liveness probe issued during Acquire.
// Public endpoints that take longer than this are effectively dead for a
// price-sensitive UI.
const defaultProbeTimeout = 3 * time.Second

// endpoint is one configured RPC URL with its lazily dialed client and a
// circuit breaker tracking recent probe failures.
type endpoint struct {
	url     string
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	client Client
}

// Dialer creates a Client for an RPC URL. Production uses ethclient.Dial;
// tests inject fakes.
type Dialer func(url string) (Client, error)

// Pool selects a live RPC client per call. Endpoint order is significant:
// earlier endpoints are preferred, later ones are fallbacks. Selection is
// per-call rather than sticky because endpoint liveness changes between
// calls.
type Pool struct {
	chains       map[uint64][]*endpoint
	dial         Dialer
	probeTimeout time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// PoolConfig holds RPC pool configuration
type PoolConfig struct {
	// Endpoints maps chain id to an ordered list of RPC URLs.
	Endpoints    map[uint64][]string
	ProbeTimeout time.Duration
	Dialer       Dialer
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// NewPool creates a new RPC pool
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one chain with RPC endpoints is required")
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(url string) (Client, error) {
			return ethclient.Dial(url)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}

	chains := make(map[uint64][]*endpoint, len(cfg.Endpoints))
	for chainID, urls := range cfg.Endpoints {
		if len(urls) == 0 {
			return nil, fmt.Errorf("chain %d: at least one RPC endpoint is required", chainID)
		}
		eps := make([]*endpoint, 0, len(urls))
		for _, url := range urls {
			eps = append(eps, &endpoint{
				url: url,
				breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
					Name: url,
				}),
			})
		}
		chains[chainID] = eps
	}

	return &Pool{
		chains:       chains,
		dial:         cfg.Dialer,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Acquire returns the first configured endpoint for the chain that answers
// a liveness probe within the probe timeout. Endpoints whose breaker is
// open are skipped without probing. Returns ErrNoLiveEndpoint when every
// endpoint fails.
func (p *Pool) Acquire(ctx context.Context, chainID uint64) (Client, error) {
	eps, ok := p.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	for _, ep := range eps {
		if !ep.breaker.Allow() {
			continue
		}

		client, err := p.probe(ctx, ep)
		if err != nil {
			ep.breaker.RecordFailure()
			if p.metrics != nil {
				p.metrics.RecordEndpointHealth(ctx, ep.url, false)
			}
			p.logger.LogWarn(ctx, "rpc endpoint failed liveness probe",
				"url", ep.url,
				"chain_id", chainID,
				"error", err,
			)
			continue
		}

		ep.breaker.RecordSuccess()
		if p.metrics != nil {
			p.metrics.RecordEndpointHealth(ctx, ep.url, true)
		}
		return client, nil
	}

	return nil, fmt.Errorf("%w: chain %d", ErrNoLiveEndpoint, chainID)
}

// probe dials the endpoint if needed and issues eth_blockNumber as a
// liveness check.
func (p *Pool) probe(ctx context.Context, ep *endpoint) (Client, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.client == nil {
		client, err := p.dial(ep.url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.url, err)
		}
		ep.client = client
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	if _, err := ep.client.BlockNumber(probeCtx); err != nil {
		// Drop the cached client so the next probe redials
		ep.client = nil
		return nil, fmt.Errorf("probe %s: %w", ep.url, err)
	}

	return ep.client, nil
}
