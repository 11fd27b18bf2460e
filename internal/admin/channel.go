package admin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/nonce"
)

const (
	// TagSize is the truncated HMAC-SHA256 tag length appended to messages.
	TagSize = 16
	// minPayload is the smallest possible admin payload: 1-byte nonce,
	// 1 space, 1-byte command, 16-byte tag.
	minPayload = 19
)

// Command is a verified admin command extracted from a transaction output.
// It is only constructed after HMAC verification succeeds.
type Command struct {
	Nonce   string
	Command string
}

// Channel scans transactions from the admin wallet for authenticated
// commands and dispatches them.
type Channel struct {
	adminWallet string
	secret      []byte
	nonces      *nonce.Store
	registry    *Registry
	executor    Executor
}

// NewChannel wires the command channel together.
func NewChannel(adminWallet string, secret []byte, nonces *nonce.Store, registry *Registry, executor Executor) *Channel {
	return &Channel{
		adminWallet: adminWallet,
		secret:      secret,
		nonces:      nonces,
		registry:    registry,
		executor:    executor,
	}
}

// Scan inspects one transaction for admin commands and dispatches any it
// finds, returning the dispatch results. Almost every rejection is silent:
// null-data outputs are shared infrastructure and most of them are simply
// not for us. Only replay attempts and dispatch failures are loud, since
// those indicate an attack or an operational bug.
func (c *Channel) Scan(ctx context.Context, tx *chain.Transaction) []Result {
	if !strings.EqualFold(tx.From, c.adminWallet) {
		return nil
	}

	var results []Result
	for _, output := range tx.Outputs {
		payload, ok := ExtractNullData(output.Script)
		if !ok {
			continue
		}

		cmd, ok := c.verify(payload)
		if !ok {
			slog.Debug("null-data output failed verification", "tx", tx.Hash)
			continue
		}

		if c.nonces.Seen(cmd.Nonce) {
			slog.Warn("rejecting replayed admin command", "tx", tx.Hash, "nonce", cmd.Nonce)
			results = append(results, Result{Success: false, Message: "nonce already used"})
			continue
		}

		// Mark the nonce used before dispatching: a crash mid-dispatch
		// must not leave the command replayable.
		if err := c.nonces.MarkUsed(cmd.Nonce); err != nil {
			slog.Error("failed to persist nonce, refusing to dispatch", "tx", tx.Hash, "nonce", cmd.Nonce, "error", err)
			results = append(results, Result{Success: false, Message: "nonce store write failed"})
			continue
		}

		results = append(results, c.dispatch(ctx, cmd, tx.Hash))
	}
	return results
}

// verify splits a candidate payload into message and tag, checks the
// truncated HMAC-SHA256 tag in constant time, and parses the message as
// "<nonce> <command>". Any failure means "not an admin command".
func (c *Channel) verify(payload []byte) (Command, bool) {
	if len(payload) < minPayload {
		return Command{}, false
	}

	message := payload[:len(payload)-TagSize]
	tag := payload[len(payload)-TagSize:]

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(message)
	expected := mac.Sum(nil)[:TagSize]

	// hmac.Equal compares in constant time; a short-circuiting comparison
	// here would leak tag bytes through timing.
	if !hmac.Equal(tag, expected) {
		return Command{}, false
	}

	if !utf8.Valid(message) {
		return Command{}, false
	}

	nonceText, commandText, found := strings.Cut(string(message), " ")
	if !found {
		return Command{}, false
	}
	nonceText = strings.TrimSpace(nonceText)
	commandText = strings.TrimSpace(commandText)
	if nonceText == "" || commandText == "" {
		return Command{}, false
	}

	return Command{Nonce: nonceText, Command: commandText}, true
}

// dispatch resolves the command against the registry and runs its action.
// The command text is "<name> <raw params>"; the name keys the registry and
// the rest is handed to the handler untouched.
func (c *Channel) dispatch(ctx context.Context, cmd Command, txHash string) Result {
	name, rawParams, _ := strings.Cut(cmd.Command, " ")

	def, ok := c.registry.Lookup(name)
	if !ok {
		slog.Warn("admin command not in registry", "command", name, "tx", txHash)
		return Result{Success: false, Message: "unknown command: " + name}
	}

	kind := ParseActionKind(def.Action)
	if kind == ActionUnknown {
		slog.Warn("admin command names unknown action", "command", name, "action", def.Action, "tx", txHash)
		return Result{Success: false, Message: "unknown action: " + def.Action}
	}

	result := c.executor.Execute(ctx, kind, cmd.Command, rawParams, def.Params, txHash)
	if !result.Success {
		// Handler failures are not retried: the side effect may be
		// partially applied and re-running it from an ambiguous state
		// is worse than requiring a fresh command.
		slog.Error("admin command handler failed", "command", name, "tx", txHash, "message", result.Message)
	} else {
		slog.Info("admin command executed", "command", name, "tx", txHash, "message", result.Message)
	}
	return result
}

// BuildPayload constructs the wire payload for a nonce and command text:
// UTF-8 "<nonce> <command>" followed by the truncated HMAC tag. The monitor
// never sends commands itself; this exists for the wallet-side tooling and
// the tests that exercise the round trip.
func BuildPayload(secret []byte, nonceText, command string) []byte {
	message := []byte(nonceText + " " + command)
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return append(message, mac.Sum(nil)[:TagSize]...)
}
