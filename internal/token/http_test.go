package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")

func TestHTTPRegistryLookup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(Metadata{Name: "Rocket", Symbol: "RKT", ImageURL: "https://img.example/rkt.png"})
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second, nil, nil)

	meta, err := reg.Lookup(context.Background(), 56, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, "RKT", meta.Symbol)
	assert.Equal(t, "/v1/tokens/56/"+tokenAddr.Hex(), gotPath)
}

func TestHTTPRegistryNotFoundIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second, nil, nil)

	_, err := reg.Lookup(context.Background(), 56, tokenAddr)
	assert.Error(t, err)
}

func TestHTTPRegistryCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := reg.Lookup(context.Background(), 56, tokenAddr)
		require.Error(t, err)
	}

	_, err := reg.Lookup(context.Background(), 56, tokenAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}
