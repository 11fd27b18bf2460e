package chain

import (
	"encoding/json"
	"log/slog"
)

// Subscription contract event names.
const (
	EventSubscriptionCreated          = "SubscriptionCreated"
	EventSubscriptionExtended         = "SubscriptionExtended"
	EventSubscriptionCancelled        = "SubscriptionCancelled"
	EventPlanCreated                  = "PlanCreated"
	EventPlanUpdated                  = "PlanUpdated"
	EventAcceptingSubscriptionsChange = "AcceptingSubscriptionsChanged"
)

// knownEvents is the subscription contract's event schema. Blobs naming
// anything else are skipped: other contracts can share a transaction's
// event map and their schemas are not ours to interpret.
var knownEvents = map[string]bool{
	EventSubscriptionCreated:          true,
	EventSubscriptionExtended:         true,
	EventSubscriptionCancelled:        true,
	EventPlanCreated:                  true,
	EventPlanUpdated:                  true,
	EventAcceptingSubscriptionsChange: true,
}

// rawEvent is the wire shape of one emitted event blob.
type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvents decodes the events a transaction emitted from the given
// contract address. Blobs from other contracts are ignored; malformed or
// unknown blobs are skipped with a debug log, never surfaced as errors:
// untrusted ledger data must not be able to break block processing.
func DecodeEvents(tx *Transaction, contract string) []Event {
	blobs, ok := tx.Events[contract]
	if !ok || len(blobs) == 0 {
		return nil
	}

	events := make([]Event, 0, len(blobs))
	for _, blob := range blobs {
		var raw rawEvent
		if err := json.Unmarshal(blob, &raw); err != nil {
			slog.Debug("skipping malformed event blob", "tx", tx.Hash, "error", err)
			continue
		}
		if !knownEvents[raw.Event] {
			slog.Debug("skipping unknown event", "tx", tx.Hash, "event", raw.Event)
			continue
		}

		fields := make(map[string]any)
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &fields); err != nil {
				slog.Debug("skipping event with malformed data", "tx", tx.Hash, "event", raw.Event, "error", err)
				continue
			}
		}

		events = append(events, Event{Name: raw.Event, Fields: fields})
	}
	return events
}
