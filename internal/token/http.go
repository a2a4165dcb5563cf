package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avigliano/curve-engine/internal/platform/observability"
	"github.com/avigliano/curve-engine/internal/platform/resilience"
)

// HTTPRegistry fetches token metadata from the launchpad's registry API.
// The API is an external collaborator; this client only fixes the lookup
// path and response shape.
type HTTPRegistry struct {
	baseURL  string
	client   *http.Client
	retryCfg resilience.RetryConfig
	cb       *resilience.CircuitBreaker
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewHTTPRegistry creates a new HTTPRegistry
func NewHTTPRegistry(baseURL string, timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("info", "json")
	}
	return &HTTPRegistry{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		retryCfg: resilience.DefaultRetryConfig(),
		cb: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "token-registry",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// Lookup fetches metadata for a pool or token address
func (r *HTTPRegistry) Lookup(ctx context.Context, chainID uint64, address common.Address) (Metadata, error) {
	if !r.cb.Allow() {
		return Metadata{}, fmt.Errorf("token registry circuit open")
	}

	meta, err := resilience.RetryWithResult(ctx, r.retryCfg, func(ctx context.Context) (Metadata, error) {
		url := fmt.Sprintf("%s/v1/tokens/%d/%s", r.baseURL, chainID, address.Hex())
		return r.fetch(ctx, url)
	})
	if err != nil {
		r.cb.RecordFailure()
		if r.metrics != nil {
			r.metrics.RecordError(ctx, "token_registry")
		}
		return Metadata{}, err
	}

	r.cb.RecordSuccess()
	return meta, nil
}

func (r *HTTPRegistry) fetch(ctx context.Context, url string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Metadata{}, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return meta, nil
}
