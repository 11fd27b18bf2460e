package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// RPCPath is appended to the base URL for direct JSON-RPC calls.
const RPCPath = "/api/v1/json-rpc"

// ErrTokenNotFound is returned by OwnerOf when the queried token does not
// exist on chain. It must be distinguished from transport failures: the
// reconciler treats it as a definite answer, not a retryable error.
var ErrTokenNotFound = errors.New("token not found")

// Client is the narrow view of the ledger RPC provider the monitor consumes.
type Client interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, height uint64, includeTransactions bool) (*Block, error)
	OwnerOf(ctx context.Context, tokenID uint64) (string, error)
	TotalSupply(ctx context.Context) (uint64, error)
	UserEncrypted(ctx context.Context, subscriptionID uint64) (string, error)
	Balance(ctx context.Context, address string) (int64, error)
}

// RPCClient talks JSON-RPC 2.0 to an OPNet indexer. Every call goes through
// a circuit breaker and a client-side rate limiter so a degraded provider
// trips fast instead of stalling the monitor loop on every iteration.
type RPCClient struct {
	url          string
	nftContract  string
	subContract  string
	httpClient   *http.Client
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[json.RawMessage]
	nextID       int
}

// NewRPCClient creates a client for the given RPC base URL and contract pair.
func NewRPCClient(rpcURL, nftContract, subContract string) *RPCClient {
	settings := gobreaker.Settings{
		Name:    "ledger-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &RPCClient{
		url:         normalizeRPCURL(rpcURL),
		nftContract: nftContract,
		subContract: subContract,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: gobreaker.NewCircuitBreaker[json.RawMessage](settings),
	}
}

// normalizeRPCURL appends the JSON-RPC path unless the URL already carries it.
func normalizeRPCURL(base string) string {
	url := strings.TrimRight(base, "/")
	if strings.Contains(url, "api/v1/json-rpc") {
		return url
	}
	return url + RPCPath
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and returns the raw result.
func (c *RPCClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.nextID++
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	return c.breaker.Execute(func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	})
}

// CurrentHeight returns the chain tip height.
func (c *RPCClient) CurrentHeight(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "btc_blockNumber")
	if err != nil {
		return 0, err
	}
	return decodeUint(result)
}

// GetBlock fetches one block by height.
func (c *RPCClient) GetBlock(ctx context.Context, height uint64, includeTransactions bool) (*Block, error) {
	result, err := c.call(ctx, "btc_getBlockByNumber", height, includeTransactions)
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to decode block %d: %w", height, err)
	}
	return &block, nil
}

// OwnerOf queries the NFT contract for the current owner of a token.
func (c *RPCClient) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	result, err := c.call(ctx, "btc_call", viewCall(c.nftContract, "ownerOf", tokenID))
	if err != nil {
		if isRevert(err) {
			return "", ErrTokenNotFound
		}
		return "", err
	}

	var owner string
	if err := json.Unmarshal(result, &owner); err != nil {
		return "", fmt.Errorf("failed to decode ownerOf result: %w", err)
	}
	if owner == "" {
		return "", ErrTokenNotFound
	}
	return owner, nil
}

// TotalSupply queries the NFT contract for the number of minted credentials.
func (c *RPCClient) TotalSupply(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "btc_call", viewCall(c.nftContract, "totalSupply"))
	if err != nil {
		return 0, err
	}
	return decodeUint(result)
}

// UserEncrypted fetches the off-chain-encrypted connection payload for a
// subscription. It is stored behind a read call instead of inside the
// SubscriptionCreated event to keep event payloads small.
func (c *RPCClient) UserEncrypted(ctx context.Context, subscriptionID uint64) (string, error) {
	result, err := c.call(ctx, "btc_call", viewCall(c.subContract, "userEncrypted", subscriptionID))
	if err != nil {
		return "", err
	}

	var payload string
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", fmt.Errorf("failed to decode userEncrypted result: %w", err)
	}
	return payload, nil
}

// Balance returns an address balance in satoshis.
func (c *RPCClient) Balance(ctx context.Context, address string) (int64, error) {
	result, err := c.call(ctx, "btc_getBalance", address, true)
	if err != nil {
		return 0, err
	}
	u, err := decodeUint(result)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

// viewCall builds the parameter object for a contract view call.
func viewCall(contract, method string, args ...any) map[string]any {
	if args == nil {
		args = []any{}
	}
	return map[string]any{
		"to":     contract,
		"method": method,
		"args":   args,
	}
}

// decodeUint handles results that arrive as JSON numbers or hex strings.
func decodeUint(raw json.RawMessage) (uint64, error) {
	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, fmt.Errorf("unexpected numeric result %s", string(raw))
	}
	u, ok := parseUintString(asString)
	if !ok {
		return 0, fmt.Errorf("unexpected numeric result %q", asString)
	}
	return u, nil
}

// isRevert reports whether an RPC error indicates a contract-level revert
// rather than a transport failure.
func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
