// Package provision drives the workload provisioning pipeline. The
// multi-stage state machine itself lives in the privileged helper binaries;
// this package owns the queue, the crash-recovery marker, and the local
// bookkeeping around each job.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/vmdb"
)

// Job is one normalized provisioning request produced by a
// SubscriptionCreated event.
type Job struct {
	SubscriptionID uint64 `json:"subscription_id"`
	VMName         string `json:"vm_name"`
	OwnerWallet    string `json:"owner_wallet"`
	ExpiryDays     int    `json:"expiry_days"`
	UserEncrypted  string `json:"user_encrypted"`
}

// Pipeline is the narrow interface the monitor loop and event dispatcher
// consume.
type Pipeline interface {
	Enqueue(job Job)
	ResumeOrDrain(ctx context.Context)
	HasActiveEntry(vmName string) bool
	Busy() bool
	NextTokenID() uint64
	SetNextTokenID(n uint64)
	ExtendExpiry(ctx context.Context, vmName string, days int) error
	Resume(ctx context.Context, vmName string) error
	Destroy(ctx context.Context, vmName string) error
}

// Queue is the concrete pipeline: an in-memory FIFO plus an on-disk
// active-job marker. Jobs run sequentially inside the monitor loop; there
// is deliberately no worker fan-out, so the vm database has one writer.
type Queue struct {
	store       *vmdb.Store
	helper      string
	mintHelper  string
	markerPath  string
	jobs        []Job
	busy        bool
	nextTokenID uint64
	runCommand  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewQueue creates the pipeline around the vm database and helper binaries.
func NewQueue(store *vmdb.Store, helper, mintHelper, markerPath string) *Queue {
	return &Queue{
		store:      store,
		helper:     helper,
		mintHelper: mintHelper,
		markerPath: markerPath,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Enqueue appends a job to the queue.
func (q *Queue) Enqueue(job Job) {
	q.jobs = append(q.jobs, job)
	slog.Info("provisioning job enqueued", "vm", job.VMName, "subscription_id", job.SubscriptionID, "queued", len(q.jobs))
}

// Busy reports whether a job is currently running. The reconciler uses
// this as its gate: both mutate the vm database and must not interleave.
func (q *Queue) Busy() bool {
	return q.busy
}

// HasActiveEntry reports whether a non-destroyed entry exists for the name.
func (q *Queue) HasActiveEntry(vmName string) bool {
	entry, ok := q.store.VM(vmName)
	return ok && entry.Status != vmdb.StatusDestroyed
}

// NextTokenID returns the token ID the next mint will use.
func (q *Queue) NextTokenID() uint64 {
	return q.nextTokenID
}

// SetNextTokenID seeds the token counter, typically from on-chain supply
// at startup.
func (q *Queue) SetNextTokenID(n uint64) {
	q.nextTokenID = n
}

// ResumeOrDrain first re-runs any job interrupted by a crash (recorded in
// the marker file), then drains the queue. Each job's steps persist their
// effects immediately, so re-running an interrupted job is safe: the
// helpers are idempotent per workload name and the reconciler repairs any
// mint that landed on chain without its local write.
func (q *Queue) ResumeOrDrain(ctx context.Context) {
	if job, ok := q.readMarker(); ok {
		slog.Warn("resuming interrupted provisioning job", "vm", job.VMName)
		q.runJob(ctx, job)
	}

	for len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.runJob(ctx, job)
	}
}

// runJob executes one provisioning job end to end. Failures abandon the
// job after logging; the subscription event that produced it is on chain
// forever, so the operator can replay it deliberately.
func (q *Queue) runJob(ctx context.Context, job Job) {
	q.busy = true
	defer func() { q.busy = false }()

	if err := q.writeMarker(job); err != nil {
		slog.Error("failed to write provisioning marker, refusing to run job", "vm", job.VMName, "error", err)
		return
	}
	defer q.clearMarker()

	// 1. Create the workload.
	output, err := q.runCommand(ctx, q.helper, "create", job.VMName,
		"--owner", job.OwnerWallet,
		"--days", strconv.Itoa(job.ExpiryDays),
		"--user-encrypted", job.UserEncrypted)
	if err != nil {
		slog.Error("provision helper failed", "vm", job.VMName, "output", strings.TrimSpace(string(output)), "error", err)
		return
	}

	// 2. Reserve a token ID and persist before minting, so a crash after
	// the mint broadcast leaves a reservation the reconciler can finish.
	tokenID := q.nextTokenID
	entry := &vmdb.VMEntry{
		VMName:         job.VMName,
		SubscriptionID: job.SubscriptionID,
		OwnerWallet:    job.OwnerWallet,
		NFTTokenID:     &tokenID,
		NFTMinted:      false,
		Status:         vmdb.StatusActive,
		ExpiresAt:      time.Now().Add(time.Duration(job.ExpiryDays) * 24 * time.Hour).Unix(),
	}
	q.store.Put(entry)
	q.store.ReserveToken(tokenID, job.VMName, false)
	if err := q.store.Save(); err != nil {
		slog.Error("failed to persist token reservation", "vm", job.VMName, "token_id", tokenID, "error", err)
		return
	}

	// 3. Mint the credential NFT.
	output, err = q.runCommand(ctx, q.mintHelper,
		"--owner-wallet", job.OwnerWallet,
		"--user-encrypted", job.UserEncrypted)
	if err != nil {
		slog.Error("mint helper failed, leaving reservation for reconciler", "vm", job.VMName, "token_id", tokenID,
			"output", strings.TrimSpace(string(output)), "error", err)
		return
	}

	// The helper prints the minted token ID; trust it over our counter if
	// they disagree (another mint may have landed in between).
	if minted, err := strconv.ParseUint(strings.TrimSpace(string(output)), 10, 64); err == nil && minted != tokenID {
		slog.Warn("minted token id differs from reservation", "vm", job.VMName, "reserved", tokenID, "minted", minted)
		q.store.ReleaseToken(tokenID)
		q.store.ReserveToken(minted, job.VMName, false)
		entry.NFTTokenID = &minted
		tokenID = minted
	}

	// 4. Record the mint.
	entry.NFTMinted = true
	q.store.MarkTokenMinted(tokenID)
	if err := q.store.Save(); err != nil {
		slog.Error("failed to persist mint, reconciler will repair", "vm", job.VMName, "token_id", tokenID, "error", err)
		return
	}

	q.nextTokenID = tokenID + 1
	slog.Info("provisioning job completed", "vm", job.VMName, "token_id", tokenID)
}

// ExtendExpiry pushes a workload's expiry out by the given number of days
// in the external provisioner and mirrors the new expiry locally.
func (q *Queue) ExtendExpiry(ctx context.Context, vmName string, days int) error {
	output, err := q.runCommand(ctx, q.helper, "extend", vmName, strconv.Itoa(days))
	if err != nil {
		return fmt.Errorf("extend %s failed: %s: %w", vmName, strings.TrimSpace(string(output)), err)
	}

	if entry, ok := q.store.VM(vmName); ok {
		entry.ExpiresAt = time.Now().Add(time.Duration(days) * 24 * time.Hour).Unix()
		if err := q.store.Save(); err != nil {
			return fmt.Errorf("failed to persist expiry of %s: %w", vmName, err)
		}
	}
	return nil
}

// Resume un-suspends a workload that was paused for non-payment.
func (q *Queue) Resume(ctx context.Context, vmName string) error {
	output, err := q.runCommand(ctx, q.helper, "resume", vmName)
	if err != nil {
		return fmt.Errorf("resume %s failed: %s: %w", vmName, strings.TrimSpace(string(output)), err)
	}

	if entry, ok := q.store.VM(vmName); ok && entry.Status == vmdb.StatusSuspended {
		entry.Status = vmdb.StatusActive
		if err := q.store.Save(); err != nil {
			return fmt.Errorf("failed to persist resume of %s: %w", vmName, err)
		}
	}
	return nil
}

// Destroy tears down a cancelled workload and marks it destroyed locally,
// which excludes it from reconciliation.
func (q *Queue) Destroy(ctx context.Context, vmName string) error {
	output, err := q.runCommand(ctx, q.helper, "destroy", vmName)
	if err != nil {
		return fmt.Errorf("destroy %s failed: %s: %w", vmName, strings.TrimSpace(string(output)), err)
	}

	if entry, ok := q.store.VM(vmName); ok {
		entry.Status = vmdb.StatusDestroyed
		if err := q.store.Save(); err != nil {
			return fmt.Errorf("failed to persist destroy of %s: %w", vmName, err)
		}
	}
	return nil
}

func (q *Queue) writeMarker(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return os.WriteFile(q.markerPath, data, 0o644)
}

func (q *Queue) readMarker() (Job, bool) {
	data, err := os.ReadFile(q.markerPath)
	if err != nil {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		slog.Error("discarding unreadable provisioning marker", "path", q.markerPath, "error", err)
		q.clearMarker()
		return Job{}, false
	}
	return job, true
}

func (q *Queue) clearMarker() {
	if err := os.Remove(q.markerPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove provisioning marker", "path", q.markerPath, "error", err)
	}
}
