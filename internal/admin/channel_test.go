package admin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/nonce"
)

const adminWallet = "bc1qAdminWalletAddress"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeExecutor records Execute calls without touching the firewall.
type fakeExecutor struct {
	calls []fakeCall
}

type fakeCall struct {
	kind      ActionKind
	command   string
	rawParams string
	txHash    string
}

func (f *fakeExecutor) Execute(ctx context.Context, kind ActionKind, command, rawParams string, static map[string]any, txHash string) Result {
	f.calls = append(f.calls, fakeCall{kind: kind, command: command, rawParams: rawParams, txHash: txHash})
	return Result{Success: true, Message: "ok"}
}

func (f *fakeExecutor) CloseAll(ctx context.Context) {}

func newTestChannel(t *testing.T) (*Channel, *fakeExecutor) {
	t.Helper()

	nonces, err := nonce.Open(filepath.Join(t.TempDir(), "nonces.json"))
	require.NoError(t, err)

	registry, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	knock := CommandDefinition{
		Action: "knock",
		Params: map[string]any{
			"allowed_ports":    []any{float64(22), float64(2222)},
			"default_duration": float64(3600),
		},
	}
	registry.commands.Store(&map[string]CommandDefinition{"knock": knock})

	executor := &fakeExecutor{}
	return NewChannel(adminWallet, testSecret, nonces, registry, executor), executor
}

func adminTx(hash string, payloads ...[]byte) *chain.Transaction {
	tx := &chain.Transaction{Hash: hash, From: adminWallet}
	for _, payload := range payloads {
		tx.Outputs = append(tx.Outputs, chain.Output{Script: EncodeNullData(payload)})
	}
	return tx
}

// TestScanDispatchesAuthenticatedCommand walks the full path: payload built
// by the wallet tooling, carried in a null-data output, verified, and
// dispatched exactly once.
func TestScanDispatchesAuthenticatedCommand(t *testing.T) {
	channel, executor := newTestChannel(t)

	payload := BuildPayload(testSecret, "f3a9", "knock open:2222")
	results := channel.Scan(context.Background(), adminTx("tx1", payload))

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, ActionKnock, executor.calls[0].kind)
	assert.Equal(t, "knock open:2222", executor.calls[0].command)
	assert.Equal(t, "open:2222", executor.calls[0].rawParams)
	assert.Equal(t, "tx1", executor.calls[0].txHash)
}

// A single flipped bit anywhere in the payload must fail verification
// silently.
func TestScanRejectsTamperedPayload(t *testing.T) {
	channel, executor := newTestChannel(t)

	payload := BuildPayload(testSecret, "f3a9", "knock open:2222")
	for i := range payload {
		tampered := make([]byte, len(payload))
		copy(tampered, payload)
		tampered[i] ^= 0x01

		results := channel.Scan(context.Background(), adminTx("tx-tamper", tampered))
		assert.Empty(t, results, "flipped bit at byte %d was accepted", i)
	}
	assert.Empty(t, executor.calls)
}

func TestScanRejectsReplay(t *testing.T) {
	channel, executor := newTestChannel(t)

	payload := BuildPayload(testSecret, "f3a9", "knock open:2222")

	first := channel.Scan(context.Background(), adminTx("tx1", payload))
	require.Len(t, first, 1)
	require.True(t, first[0].Success)

	// The identical payload in a later transaction must be refused.
	second := channel.Scan(context.Background(), adminTx("tx2", payload))
	require.Len(t, second, 1)
	assert.False(t, second[0].Success)
	assert.Contains(t, second[0].Message, "nonce already used")

	assert.Len(t, executor.calls, 1)
}

func TestScanIgnoresOtherSenders(t *testing.T) {
	channel, executor := newTestChannel(t)

	tx := adminTx("tx1", BuildPayload(testSecret, "f3a9", "knock open:2222"))
	tx.From = "bc1qSomebodyElse"

	results := channel.Scan(context.Background(), tx)
	assert.Empty(t, results)
	assert.Empty(t, executor.calls)
}

// Sender matching is case-insensitive, like the rest of the wallet
// comparisons.
func TestScanSenderCaseInsensitive(t *testing.T) {
	channel, executor := newTestChannel(t)

	tx := adminTx("tx1", BuildPayload(testSecret, "f3a9", "knock open:2222"))
	tx.From = "BC1QADMINWALLETADDRESS"

	results := channel.Scan(context.Background(), tx)
	require.Len(t, results, 1)
	assert.Len(t, executor.calls, 1)
}

func TestScanIgnoresForeignNullData(t *testing.T) {
	channel, executor := newTestChannel(t)

	// Well-formed null-data that is not an admin payload: too short, or
	// unauthenticated text of the right length.
	results := channel.Scan(context.Background(),
		adminTx("tx1", []byte("hi"), []byte("some unrelated op_return content here")))
	assert.Empty(t, results)
	assert.Empty(t, executor.calls)
}

func TestScanUnknownCommand(t *testing.T) {
	channel, executor := newTestChannel(t)

	payload := BuildPayload(testSecret, "f3a9", "reboot now")
	results := channel.Scan(context.Background(), adminTx("tx1", payload))

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "unknown command")
	assert.Empty(t, executor.calls)
}

// The nonce must be durable before dispatch: even a failed or unknown
// command burns its nonce.
func TestScanBurnsNonceBeforeDispatch(t *testing.T) {
	channel, executor := newTestChannel(t)

	payload := BuildPayload(testSecret, "f3a9", "reboot now")
	first := channel.Scan(context.Background(), adminTx("tx1", payload))
	require.Len(t, first, 1)
	require.False(t, first[0].Success)

	second := channel.Scan(context.Background(), adminTx("tx2", payload))
	require.Len(t, second, 1)
	assert.Contains(t, second[0].Message, "nonce already used")
	assert.Empty(t, executor.calls)
}

func TestVerifyRejectsShortAndMalformedMessages(t *testing.T) {
	channel, _ := newTestChannel(t)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"too short", []byte("short")},
		{"empty command", BuildPayload(testSecret, "f3a9", " ")},
		{"no separator", tagMessage(testSecret, "f3a9knockopen2222")},
		{"invalid utf8", tagMessage(testSecret, "f3a9 knock \xff\xfe")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := channel.verify(tc.payload)
			assert.False(t, ok)
		})
	}
}

// tagMessage authenticates an arbitrary message without the
// "<nonce> <command>" shape BuildPayload enforces.
func tagMessage(secret []byte, message string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return append([]byte(message), mac.Sum(nil)[:TagSize]...)
}
