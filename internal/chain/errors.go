package chain

import (
	"errors"
	"strings"
)

var (
	// ErrNoLiveEndpoint is returned when every configured endpoint for a
	// chain failed its liveness probe.
	ErrNoLiveEndpoint = errors.New("chain: no live RPC endpoint")

	// ErrUnknownChain is returned when no endpoints are configured for a chain id.
	ErrUnknownChain = errors.New("chain: unknown chain id")
)

// rangeErrorFragments are substrings observed across public RPC providers
// when an eth_getLogs window exceeds the provider's limit or reaches into
// pruned history. There is no standard error code for this class, so
// substring matching is the only portable classifier.
var rangeErrorFragments = []string{
	"block range",
	"range too large",
	"range is too wide",
	"exceed maximum block range",
	"query returned more than",
	"response size exceeded",
	"limit exceeded",
	"pruning",
	"pruned",
	"missing trie node",
	"request entity too large",
}

// IsRangeError reports whether an eth_getLogs error indicates the queried
// block window was too large or partially pruned. These are recovered by
// shrinking the window, never surfaced.
func IsRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range rangeErrorFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
