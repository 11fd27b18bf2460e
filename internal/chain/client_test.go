package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers JSON-RPC requests from a method-keyed table.
func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RPCPath, r.URL.Path)

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := results[req.Method]
		if !ok {
			_, _ = w.Write([]byte(`{"error": {"code": -32601, "message": "method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result": ` + result + `}`))
	}))
}

func TestNormalizeRPCURL(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"https://rpc.example.com", "https://rpc.example.com/api/v1/json-rpc"},
		{"https://rpc.example.com/", "https://rpc.example.com/api/v1/json-rpc"},
		{"https://rpc.example.com/api/v1/json-rpc", "https://rpc.example.com/api/v1/json-rpc"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.out, normalizeRPCURL(tc.in))
	}
}

func TestCurrentHeight(t *testing.T) {
	server := rpcServer(t, map[string]string{"btc_blockNumber": `"0x1234"`})
	defer server.Close()

	client := NewRPCClient(server.URL, "nft", "sub")
	height, err := client.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), height)
}

func TestGetBlock(t *testing.T) {
	server := rpcServer(t, map[string]string{
		"btc_getBlockByNumber": `{"height": 42, "hash": "abc", "transactions": [{"hash": "tx1", "from": "bc1qX"}]}`,
	})
	defer server.Close()

	client := NewRPCClient(server.URL, "nft", "sub")
	block, err := client.GetBlock(context.Background(), 42, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block.Height)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, "tx1", block.Transactions[0].Hash)
}

func TestOwnerOf(t *testing.T) {
	server := rpcServer(t, map[string]string{"btc_call": `"bc1qOwner"`})
	defer server.Close()

	client := NewRPCClient(server.URL, "nft", "sub")
	owner, err := client.OwnerOf(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "bc1qOwner", owner)
}

// A contract revert means the token does not exist; it must surface as the
// sentinel, not a generic error.
func TestOwnerOfRevert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"code": -32000, "message": "execution reverted: token does not exist"}}`))
	}))
	defer server.Close()

	client := NewRPCClient(server.URL, "nft", "sub")
	_, err := client.OwnerOf(context.Background(), 999)
	assert.True(t, errors.Is(err, ErrTokenNotFound))
}

func TestRPCErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewRPCClient(server.URL, "nft", "sub")
	_, err := client.CurrentHeight(context.Background())
	assert.Error(t, err)
}

func TestDecodeUint(t *testing.T) {
	tests := []struct {
		raw  string
		want uint64
		ok   bool
	}{
		{`17`, 17, true},
		{`"17"`, 17, true},
		{`"0x11"`, 17, true},
		{`"zzz"`, 0, false},
		{`{"nested": true}`, 0, false},
	}

	for _, tc := range tests {
		got, err := decodeUint(json.RawMessage(tc.raw))
		if tc.ok {
			require.NoError(t, err, tc.raw)
			assert.Equal(t, tc.want, got, tc.raw)
		} else {
			assert.Error(t, err, tc.raw)
		}
	}
}
