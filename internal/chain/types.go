// Package chain provides the ledger RPC client and the event decoder for
// the subscription contract.
package chain

import (
	"encoding/json"
	"strconv"
)

// Block is one ledger block, optionally including its transactions.
type Block struct {
	Height       uint64        `json:"height"`
	Hash         string        `json:"hash"`
	Time         int64         `json:"time"`
	Transactions []Transaction `json:"transactions"`
}

// Output is one transaction output. Script is the raw output script; for
// null-data outputs it carries application data instead of spendable value.
type Output struct {
	Script []byte `json:"script"`
}

// Transaction is one ledger transaction as returned by the RPC provider.
// Events maps each contract address to the raw event blobs that contract
// emitted during the transaction.
type Transaction struct {
	Hash    string                       `json:"hash"`
	From    string                       `json:"from"`
	Outputs []Output                     `json:"outputs"`
	Events  map[string][]json.RawMessage `json:"events"`
}

// Event is one decoded contract event. Fields hold the decoded payload;
// use the typed accessors rather than reaching into the map.
type Event struct {
	Name   string
	Fields map[string]any
}

// Uint64 returns the named field as a uint64. JSON numbers arrive as
// float64; hex and decimal strings are accepted too.
func (e Event) Uint64(name string) (uint64, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case string:
		return parseUintString(n)
	default:
		return 0, false
	}
}

// String returns the named field as a string.
func (e Event) String(name string) (string, bool) {
	s, ok := e.Fields[name].(string)
	return s, ok
}

// Bool returns the named field as a bool.
func (e Event) Bool(name string) (bool, bool) {
	b, ok := e.Fields[name].(bool)
	return b, ok
}

func parseUintString(s string) (uint64, bool) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		u, err := strconv.ParseUint(s[2:], 16, 64)
		return u, err == nil
	}
	u, err := strconv.ParseUint(s, 10, 64)
	return u, err == nil
}
