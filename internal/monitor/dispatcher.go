// Package monitor implements the block-polling loop, the event dispatcher,
// and the reconciliation engine.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/provision"
)

// BlocksPerDay converts block-height-denominated expiries to whole days.
const BlocksPerDay = 144

// VMNameForSubscription derives the workload name from a subscription ID.
// Zero-padded and fixed-width, so it is stable and collision-free across
// the id space.
func VMNameForSubscription(subscriptionID uint64) string {
	return fmt.Sprintf("blockhost-%03d", subscriptionID)
}

// Dispatcher decodes a block's subscription contract events and routes each
// to its semantic handler.
type Dispatcher struct {
	client   chain.Client
	pipeline provision.Pipeline
	contract string
}

// NewDispatcher creates the event dispatcher for the given contract address.
func NewDispatcher(client chain.Client, pipeline provision.Pipeline, contract string) *Dispatcher {
	return &Dispatcher{
		client:   client,
		pipeline: pipeline,
		contract: contract,
	}
}

// DispatchBlock processes every transaction's events in ledger order. A
// failing event is logged and skipped; it must not block the events and
// blocks behind it.
func (d *Dispatcher) DispatchBlock(ctx context.Context, block *chain.Block) {
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		for _, event := range chain.DecodeEvents(tx, d.contract) {
			ledgerEventsTotal.WithLabelValues(event.Name).Inc()
			if err := d.handleEvent(ctx, block, tx, event); err != nil {
				eventHandlerFailuresTotal.WithLabelValues(event.Name).Inc()
				slog.Error("event handler failed", "event", event.Name, "tx", tx.Hash, "height", block.Height, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, block *chain.Block, tx *chain.Transaction, event chain.Event) error {
	switch event.Name {
	case chain.EventSubscriptionCreated:
		return d.handleCreated(ctx, block, event)
	case chain.EventSubscriptionExtended:
		return d.handleExtended(ctx, block, event)
	case chain.EventSubscriptionCancelled:
		return d.handleCancelled(ctx, event)
	case chain.EventPlanCreated, chain.EventPlanUpdated, chain.EventAcceptingSubscriptionsChange:
		// Plan data stays authoritative on chain; nothing to mirror locally.
		slog.Info("plan event observed", "event", event.Name, "tx", tx.Hash, "fields", event.Fields)
		return nil
	default:
		return fmt.Errorf("no handler for event %s", event.Name)
	}
}

// handleCreated turns a SubscriptionCreated event into a provisioning job.
// The encrypted connection payload is not embedded in the event; it is
// fetched through a dedicated read call to keep event payloads small.
func (d *Dispatcher) handleCreated(ctx context.Context, block *chain.Block, event chain.Event) error {
	subID, ok := event.Uint64("subscription_id")
	if !ok {
		return fmt.Errorf("SubscriptionCreated missing subscription_id")
	}
	owner, ok := event.String("owner")
	if !ok {
		return fmt.Errorf("SubscriptionCreated missing owner")
	}

	days := 1
	if expiresAt, ok := event.Uint64("expires_at"); ok && expiresAt > block.Height {
		if whole := int((expiresAt - block.Height) / BlocksPerDay); whole > 0 {
			days = whole
		}
	}

	userEncrypted, err := d.client.UserEncrypted(ctx, subID)
	if err != nil {
		return fmt.Errorf("failed to fetch encrypted payload for subscription %d: %w", subID, err)
	}

	vmName := VMNameForSubscription(subID)
	if d.pipeline.HasActiveEntry(vmName) {
		slog.Warn("subscription already provisioned, skipping", "vm", vmName, "subscription_id", subID)
		return nil
	}

	d.pipeline.Enqueue(provision.Job{
		SubscriptionID: subID,
		VMName:         vmName,
		OwnerWallet:    owner,
		ExpiryDays:     days,
		UserEncrypted:  userEncrypted,
	})
	return nil
}

// handleExtended pushes the workload expiry out and resumes it if it was
// suspended for non-payment.
func (d *Dispatcher) handleExtended(ctx context.Context, block *chain.Block, event chain.Event) error {
	subID, ok := event.Uint64("subscription_id")
	if !ok {
		return fmt.Errorf("SubscriptionExtended missing subscription_id")
	}
	expiresAt, ok := event.Uint64("expires_at")
	if !ok {
		return fmt.Errorf("SubscriptionExtended missing expires_at")
	}

	if expiresAt <= block.Height {
		slog.Warn("extension expiry is not in the future, ignoring", "subscription_id", subID, "expires_at", expiresAt, "height", block.Height)
		return nil
	}

	days := int((expiresAt - block.Height) / BlocksPerDay)
	if days < 1 {
		days = 1
	}

	vmName := VMNameForSubscription(subID)
	if err := d.pipeline.ExtendExpiry(ctx, vmName, days); err != nil {
		return err
	}
	if err := d.pipeline.Resume(ctx, vmName); err != nil {
		return err
	}

	slog.Info("subscription extended", "vm", vmName, "days", days)
	return nil
}

// handleCancelled destroys the workload behind a cancelled subscription.
func (d *Dispatcher) handleCancelled(ctx context.Context, event chain.Event) error {
	subID, ok := event.Uint64("subscription_id")
	if !ok {
		return fmt.Errorf("SubscriptionCancelled missing subscription_id")
	}

	vmName := VMNameForSubscription(subID)
	if err := d.pipeline.Destroy(ctx, vmName); err != nil {
		return err
	}

	slog.Info("subscription cancelled, workload destroyed", "vm", vmName, "subscription_id", subID)
	return nil
}
