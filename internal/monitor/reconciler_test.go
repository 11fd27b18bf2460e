package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/vmdb"
)

func tokenPtr(id uint64) *uint64 {
	return &id
}

// recordingSync counts identity-sync invocations and can be made to fail.
type recordingSync struct {
	calls []string
	fail  bool
}

func (r *recordingSync) fn(ctx context.Context, vmName, owner string) error {
	if r.fail {
		return fmt.Errorf("gecos helper unavailable")
	}
	r.calls = append(r.calls, vmName+":"+owner)
	return nil
}

func newTestStore(t *testing.T) *vmdb.Store {
	t.Helper()
	store, err := vmdb.Open(filepath.Join(t.TempDir(), "vms.json"))
	require.NoError(t, err)
	return store
}

// ownerTable answers OwnerOf from a map; missing tokens do not exist.
func ownerTable(owners map[uint64]string) *fakeClient {
	return &fakeClient{
		totalSupplyFunc: func(ctx context.Context) (uint64, error) {
			var supply uint64
			for id := range owners {
				if id+1 > supply {
					supply = id + 1
				}
			}
			return supply, nil
		},
		ownerOfFunc: func(ctx context.Context, tokenID uint64) (string, error) {
			owner, ok := owners[tokenID]
			if !ok {
				return "", chain.ErrTokenNotFound
			}
			return owner, nil
		},
	}
}

func TestReconcilerAdoptsUnknownToken(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{VMName: "blockhost-001", OwnerWallet: "bc1qAlice", Status: vmdb.StatusActive})
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qAlice"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, ok := store.VM("blockhost-001")
	require.True(t, ok)
	require.NotNil(t, entry.NFTTokenID)
	assert.Equal(t, uint64(0), *entry.NFTTokenID)
	assert.True(t, entry.NFTMinted)
	assert.Equal(t, "blockhost-001", store.DB().ReservedTokens["0"].VMName)
}

// A token owned by a wallet with no unassigned workload stays unadopted.
// Guessing would hand a credential to the wrong workload.
func TestReconcilerLeavesOrphanTokens(t *testing.T) {
	store := newTestStore(t)
	sync := &recordingSync{}

	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qStranger"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	assert.Empty(t, store.DB().VMs)
	assert.Empty(t, store.DB().ReservedTokens)
}

func TestReconcilerConfirmsPendingMint(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-002",
		OwnerWallet: "bc1qBob",
		NFTTokenID:  tokenPtr(0),
		NFTMinted:   false,
		Status:      vmdb.StatusActive,
	})
	store.ReserveToken(0, "blockhost-002", false)
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qBob"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, _ := store.VM("blockhost-002")
	assert.True(t, entry.NFTMinted)
	assert.True(t, store.DB().ReservedTokens["0"].Minted)
}

// An on-chain transfer moves the recorded owner and re-syncs identity; the
// new owner is persisted before the sync side effect runs.
func TestReconcilerRepairsOwnershipDrift(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-003",
		OwnerWallet: "bc1qAlice",
		NFTTokenID:  tokenPtr(0),
		NFTMinted:   true,
		Status:      vmdb.StatusActive,
		GecosSynced: true,
	})
	store.ReserveToken(0, "blockhost-003", true)
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qBob"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, _ := store.VM("blockhost-003")
	assert.Equal(t, "bc1qBob", entry.OwnerWallet)
	assert.True(t, entry.GecosSynced)
	assert.Equal(t, []string{"blockhost-003:bc1qBob"}, sync.calls)
}

// A failed identity sync leaves the synced flag false and is retried on the
// next cycle without re-detecting a transfer.
func TestReconcilerRetriesFailedSync(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-003",
		OwnerWallet: "bc1qAlice",
		NFTTokenID:  tokenPtr(0),
		NFTMinted:   true,
		Status:      vmdb.StatusActive,
		GecosSynced: true,
	})
	store.ReserveToken(0, "blockhost-003", true)
	require.NoError(t, store.Save())

	sync := &recordingSync{fail: true}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qBob"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, _ := store.VM("blockhost-003")
	assert.Equal(t, "bc1qBob", entry.OwnerWallet)
	assert.False(t, entry.GecosSynced)

	sync.fail = false
	require.NoError(t, r.Run(context.Background()))
	assert.True(t, entry.GecosSynced)
	assert.Equal(t, []string{"blockhost-003:bc1qBob"}, sync.calls)
}

// A converged state must pass through reconciliation untouched.
func TestReconcilerIdempotent(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-001",
		OwnerWallet: "bc1qAlice",
		Status:      vmdb.StatusActive,
	})
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qAlice"}), store, &fakePipeline{}, sync.fn)

	require.NoError(t, r.Run(context.Background()))
	firstSyncs := len(sync.calls)
	entry, _ := store.VM("blockhost-001")
	firstToken := *entry.NFTTokenID

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, firstSyncs, len(sync.calls), "second run must not re-sync")
	assert.Equal(t, firstToken, *entry.NFTTokenID, "second run must not reassign tokens")
	assert.True(t, entry.GecosSynced)
}

// Ownership comparison ignores case: address casing varies by provider.
func TestReconcilerOwnerCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-001",
		OwnerWallet: "bc1qAlice",
		NFTTokenID:  tokenPtr(0),
		NFTMinted:   true,
		Status:      vmdb.StatusActive,
		GecosSynced: true,
	})
	store.ReserveToken(0, "blockhost-001", true)
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: strings.ToUpper("bc1qAlice")}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, _ := store.VM("blockhost-001")
	assert.Equal(t, "bc1qAlice", entry.OwnerWallet, "case-only difference is not a transfer")
	assert.Empty(t, sync.calls)
}

func TestReconcilerSkipsWhilePipelineBusy(t *testing.T) {
	store := newTestStore(t)
	called := false
	client := &fakeClient{totalSupplyFunc: func(ctx context.Context) (uint64, error) {
		called = true
		return 0, nil
	}}

	r := NewReconciler(client, store, &fakePipeline{busy: true}, (&recordingSync{}).fn)
	require.NoError(t, r.Run(context.Background()))
	assert.False(t, called, "busy pipeline must skip the cycle entirely")
}

func TestReconcilerDestroyedEntriesIgnored(t *testing.T) {
	store := newTestStore(t)
	store.Put(&vmdb.VMEntry{
		VMName:      "blockhost-009",
		OwnerWallet: "bc1qAlice",
		NFTTokenID:  tokenPtr(0),
		NFTMinted:   true,
		Status:      vmdb.StatusDestroyed,
	})
	store.ReserveToken(0, "blockhost-009", true)
	require.NoError(t, store.Save())

	sync := &recordingSync{}
	r := NewReconciler(ownerTable(map[uint64]string{0: "bc1qBob"}), store, &fakePipeline{}, sync.fn)
	require.NoError(t, r.Run(context.Background()))

	entry, _ := store.VM("blockhost-009")
	assert.Equal(t, "bc1qAlice", entry.OwnerWallet)
	assert.Empty(t, sync.calls)
}
