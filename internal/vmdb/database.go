// Package vmdb persists the local view of provisioned workloads and their
// credential NFTs. The ledger is the source of truth for ownership and
// supply; this database is a cache that the reconciler continuously pulls
// toward the chain, never the reverse.
package vmdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Workload status values.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDestroyed = "destroyed"
)

// VMEntry is one provisioned workload.
type VMEntry struct {
	VMName         string  `json:"vm_name"`
	SubscriptionID uint64  `json:"subscription_id"`
	OwnerWallet    string  `json:"owner_wallet"`
	NFTTokenID     *uint64 `json:"nft_token_id,omitempty"`
	NFTMinted      bool    `json:"nft_minted"`
	Status         string  `json:"status"`
	GecosSynced    bool    `json:"gecos_synced"`
	ExpiresAt      int64   `json:"expires_at,omitempty"`
}

// ReservedToken records a token ID the pipeline reserved for a workload
// before (or while) the mint transaction is in flight.
type ReservedToken struct {
	VMName string `json:"vm_name"`
	Minted bool   `json:"minted"`
}

// Database is the whole vms.json document. JSON object keys are strings,
// so ReservedTokens is keyed by the decimal token ID.
type Database struct {
	VMs            map[string]*VMEntry      `json:"vms"`
	ReservedTokens map[string]ReservedToken `json:"reserved_tokens,omitempty"`
	NextVMID       int                      `json:"next_vmid"`
}

// Store owns the vms.json file. Single writer assumed: the monitor loop's
// busy-gate keeps the pipeline and the reconciler from writing concurrently.
type Store struct {
	path string
	db   *Database
}

// Open loads the database, initializing an empty one if the file is missing.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		db: &Database{
			VMs:            make(map[string]*VMEntry),
			ReservedTokens: make(map[string]ReservedToken),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read vm database %s: %w", path, err)
	}

	if err := json.Unmarshal(data, s.db); err != nil {
		return nil, fmt.Errorf("failed to parse vm database %s: %w", path, err)
	}
	if s.db.VMs == nil {
		s.db.VMs = make(map[string]*VMEntry)
	}
	if s.db.ReservedTokens == nil {
		s.db.ReservedTokens = make(map[string]ReservedToken)
	}
	return s, nil
}

// DB exposes the in-memory document for read-modify-write cycles. Callers
// must Save after mutating.
func (s *Store) DB() *Database {
	return s.db
}

// VM returns the entry for a workload name.
func (s *Store) VM(name string) (*VMEntry, bool) {
	entry, ok := s.db.VMs[name]
	return entry, ok
}

// Put inserts or replaces a workload entry. Callers must Save.
func (s *Store) Put(entry *VMEntry) {
	s.db.VMs[entry.VMName] = entry
}

// FindByWallet returns the first non-destroyed entry owned by the wallet,
// compared case-insensitively.
func (s *Store) FindByWallet(wallet string) (*VMEntry, bool) {
	for _, entry := range s.db.VMs {
		if entry.Status == StatusDestroyed {
			continue
		}
		if strings.EqualFold(entry.OwnerWallet, wallet) {
			return entry, true
		}
	}
	return nil, false
}

// FindByToken returns the entry holding the given token ID.
func (s *Store) FindByToken(tokenID uint64) (*VMEntry, bool) {
	for _, entry := range s.db.VMs {
		if entry.NFTTokenID != nil && *entry.NFTTokenID == tokenID {
			return entry, true
		}
	}
	return nil, false
}

// ReserveToken records a token reservation for a workload. Callers must Save.
func (s *Store) ReserveToken(tokenID uint64, vmName string, minted bool) {
	s.db.ReservedTokens[tokenKey(tokenID)] = ReservedToken{VMName: vmName, Minted: minted}
}

// ReleaseToken drops a reservation no mint will ever fulfil. Callers must Save.
func (s *Store) ReleaseToken(tokenID uint64) {
	delete(s.db.ReservedTokens, tokenKey(tokenID))
}

// MarkTokenMinted flips the minted flag on a reservation. Callers must Save.
func (s *Store) MarkTokenMinted(tokenID uint64) {
	key := tokenKey(tokenID)
	if reserved, ok := s.db.ReservedTokens[key]; ok {
		reserved.Minted = true
		s.db.ReservedTokens[key] = reserved
	}
}

// HighestReservedToken returns the highest token ID recorded locally, and
// false if none is recorded yet.
func (s *Store) HighestReservedToken() (uint64, bool) {
	var highest uint64
	found := false
	for key := range s.db.ReservedTokens {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		if !found || id > highest {
			highest = id
			found = true
		}
	}
	for _, entry := range s.db.VMs {
		if entry.NFTTokenID != nil && (!found || *entry.NFTTokenID > highest) {
			highest = *entry.NFTTokenID
			found = true
		}
	}
	return highest, found
}

// Save writes the database atomically: temp file in the same directory,
// then rename, so a reader never observes a partial document.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.db, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vm database: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".vms-*")
	if err != nil {
		return fmt.Errorf("failed to create temp vm database: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write vm database: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync vm database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close vm database: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace vm database: %w", err)
	}
	return nil
}

func tokenKey(tokenID uint64) string {
	return strconv.FormatUint(tokenID, 10)
}
