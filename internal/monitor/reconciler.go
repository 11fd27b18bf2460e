package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/provision"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/vmdb"
)

// IdentitySyncFunc propagates a workload's new owner to the external
// identity-sync command.
type IdentitySyncFunc func(ctx context.Context, vmName, owner string) error

// ExecIdentitySync returns an IdentitySyncFunc that shells out to the
// configured helper.
func ExecIdentitySync(helper string) IdentitySyncFunc {
	return func(ctx context.Context, vmName, owner string) error {
		output, err := exec.CommandContext(ctx, helper, vmName, owner).CombinedOutput()
		if err != nil {
			return fmt.Errorf("identity sync for %s failed: %s: %w", vmName, strings.TrimSpace(string(output)), err)
		}
		return nil
	}
}

// Reconciler diffs on-chain credential supply and ownership against the
// local vm database and repairs drift left behind by partial failures.
// Every repair persists immediately, so the cycle is idempotent and a
// crash mid-cycle just defers the remaining repairs to the next run.
type Reconciler struct {
	client     chain.Client
	store      *vmdb.Store
	pipeline   provision.Pipeline
	sync       IdentitySyncFunc
	inProgress bool
}

// NewReconciler creates the reconciliation engine.
func NewReconciler(client chain.Client, store *vmdb.Store, pipeline provision.Pipeline, sync IdentitySyncFunc) *Reconciler {
	return &Reconciler{
		client:   client,
		store:    store,
		pipeline: pipeline,
		sync:     sync,
	}
}

// Run executes one reconciliation cycle. It is non-reentrant and refuses
// to run while the pipeline is busy: both would write the same database.
// The in-progress flag is enough because both run inside one cooperative
// loop.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.inProgress {
		reconcileSkipsTotal.WithLabelValues("in_progress").Inc()
		slog.Warn("reconciliation already running, skipping cycle")
		return nil
	}
	if r.pipeline.Busy() {
		reconcileSkipsTotal.WithLabelValues("pipeline_busy").Inc()
		slog.Info("provisioning pipeline busy, skipping reconciliation cycle")
		return nil
	}

	r.inProgress = true
	defer func() { r.inProgress = false }()

	slog.Info("starting reconciliation cycle")

	// 1. On-chain supply vs the highest token recorded locally.
	supply, err := r.client.TotalSupply(ctx)
	if err != nil {
		return fmt.Errorf("failed to query total supply: %w", err)
	}

	localNext := uint64(0)
	if highest, ok := r.store.HighestReservedToken(); ok {
		localNext = highest + 1
	}

	// 2. Adopt tokens that exist on chain but are unknown locally.
	for tokenID := localNext; tokenID < supply; tokenID++ {
		if err := r.adoptToken(ctx, tokenID); err != nil {
			slog.Error("failed to adopt on-chain token", "token_id", tokenID, "error", err)
			// Continue with the remaining tokens.
		}
	}

	// 3. Probe mints that were broadcast but never confirmed locally.
	for _, entry := range r.store.DB().VMs {
		if entry.Status == vmdb.StatusDestroyed || entry.NFTTokenID == nil || entry.NFTMinted {
			continue
		}
		if err := r.probeMint(ctx, entry); err != nil {
			slog.Error("failed to probe unconfirmed mint", "vm", entry.VMName, "token_id", *entry.NFTTokenID, "error", err)
		}
	}

	// 4. Detect ownership transfers and retry failed identity syncs.
	for _, entry := range r.store.DB().VMs {
		if entry.Status == vmdb.StatusDestroyed || entry.NFTTokenID == nil || !entry.NFTMinted {
			continue
		}
		if err := r.reconcileOwner(ctx, entry); err != nil {
			slog.Error("failed to reconcile ownership", "vm", entry.VMName, "token_id", *entry.NFTTokenID, "error", err)
		}
	}

	reconcileRunsTotal.Inc()
	slog.Info("reconciliation cycle completed")
	return nil
}

// adoptToken matches an on-chain token unknown to the local database
// against a workload by owner wallet. No match is a loud warning: guessing
// an assignment would hand a credential to the wrong workload.
func (r *Reconciler) adoptToken(ctx context.Context, tokenID uint64) error {
	owner, err := r.client.OwnerOf(ctx, tokenID)
	if err != nil {
		if errors.Is(err, chain.ErrTokenNotFound) {
			// Supply says it exists but ownerOf reverts: a burn or a
			// provider inconsistency. Leave it for the next cycle.
			slog.Warn("token in supply but ownerOf failed", "token_id", tokenID)
			return nil
		}
		return err
	}

	entry, ok := r.findUnassignedByWallet(owner)
	if !ok {
		reconcileOrphanTokensTotal.Inc()
		slog.Warn("on-chain token has no matching local workload, manual intervention required",
			"token_id", tokenID, "owner", owner)
		return nil
	}

	id := tokenID
	entry.NFTTokenID = &id
	entry.NFTMinted = true
	r.store.ReserveToken(tokenID, entry.VMName, true)
	if err := r.store.Save(); err != nil {
		return fmt.Errorf("failed to persist token adoption: %w", err)
	}

	reconcileRepairsTotal.WithLabelValues("adopt_token").Inc()
	slog.Info("adopted on-chain token", "token_id", tokenID, "vm", entry.VMName, "owner", owner)
	return nil
}

// probeMint checks whether a reserved-but-unconfirmed token actually landed
// on chain; existence means the mint succeeded and only the local write was
// lost.
func (r *Reconciler) probeMint(ctx context.Context, entry *vmdb.VMEntry) error {
	tokenID := *entry.NFTTokenID
	_, err := r.client.OwnerOf(ctx, tokenID)
	if err != nil {
		if errors.Is(err, chain.ErrTokenNotFound) {
			// Mint never landed; the pipeline or operator must re-mint.
			return nil
		}
		return err
	}

	entry.NFTMinted = true
	r.store.MarkTokenMinted(tokenID)
	if err := r.store.Save(); err != nil {
		return fmt.Errorf("failed to persist mint confirmation: %w", err)
	}

	reconcileRepairsTotal.WithLabelValues("mark_minted").Inc()
	slog.Info("confirmed mint from chain", "vm", entry.VMName, "token_id", tokenID)
	return nil
}

// reconcileOwner compares the recorded owner against the chain. A mismatch
// is an ownership transfer: record the new owner first (persisted before
// any side effect), then propagate it to the identity sync, leaving the
// synced flag false for retry if propagation fails.
func (r *Reconciler) reconcileOwner(ctx context.Context, entry *vmdb.VMEntry) error {
	tokenID := *entry.NFTTokenID
	chainOwner, err := r.client.OwnerOf(ctx, tokenID)
	if err != nil {
		if errors.Is(err, chain.ErrTokenNotFound) {
			slog.Warn("minted token no longer resolvable on chain", "vm", entry.VMName, "token_id", tokenID)
			return nil
		}
		return err
	}

	if !strings.EqualFold(chainOwner, entry.OwnerWallet) {
		slog.Info("ownership transfer detected", "vm", entry.VMName, "token_id", tokenID,
			"old_owner", entry.OwnerWallet, "new_owner", chainOwner)
		entry.OwnerWallet = chainOwner
		entry.GecosSynced = false
		if err := r.store.Save(); err != nil {
			return fmt.Errorf("failed to persist ownership update: %w", err)
		}
		reconcileRepairsTotal.WithLabelValues("owner_update").Inc()
	}

	if entry.GecosSynced {
		return nil
	}

	// Owner already recorded correctly; the sync is what is outstanding,
	// whether from the transfer above or a previous failed attempt.
	if err := r.sync(ctx, entry.VMName, entry.OwnerWallet); err != nil {
		slog.Warn("identity sync failed, will retry next cycle", "vm", entry.VMName, "error", err)
		return nil
	}

	entry.GecosSynced = true
	if err := r.store.Save(); err != nil {
		return fmt.Errorf("failed to persist sync confirmation: %w", err)
	}

	reconcileRepairsTotal.WithLabelValues("gecos_sync").Inc()
	slog.Info("identity sync completed", "vm", entry.VMName, "owner", entry.OwnerWallet)
	return nil
}

// findUnassignedByWallet finds a live workload owned by the wallet that has
// no token assigned yet.
func (r *Reconciler) findUnassignedByWallet(wallet string) (*vmdb.VMEntry, bool) {
	for _, entry := range r.store.DB().VMs {
		if entry.Status == vmdb.StatusDestroyed || entry.NFTTokenID != nil {
			continue
		}
		if strings.EqualFold(entry.OwnerWallet, wallet) {
			return entry, true
		}
	}
	return nil, false
}
