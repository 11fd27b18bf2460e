package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/admin"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/config"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/logging"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/nonce"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/provision"
)

// GasCheckFunc queries the server wallet balance for the periodic gas check.
type GasCheckFunc func(ctx context.Context) (int64, error)

// FundCycleFunc runs the revenue-share distribution. Nil disables the task.
type FundCycleFunc func(ctx context.Context) error

// loopState is the loop-owned mutable state, threaded through each stage
// explicitly so the single-writer invariant is visible in the types rather
// than hidden in package-level variables.
type loopState struct {
	lastHeight    uint64
	lastReconcile time.Time
	lastFundCycle time.Time
	lastGasCheck  time.Time
}

type cursorFile struct {
	LastHeight uint64 `json:"last_height"`
}

// Loop is the top-level scheduler: one sequential iteration advances the
// block cursor, dispatches events and admin commands, drains the pipeline,
// and runs due periodic tasks.
type Loop struct {
	cfg        *config.Config
	client     chain.Client
	dispatcher *Dispatcher
	channel    *admin.Channel
	executor   admin.Executor
	pipeline   provision.Pipeline
	reconciler *Reconciler
	nonces     *nonce.Store
	fundCycle  FundCycleFunc
	gasCheck   GasCheckFunc
	cursorPath string
}

// NewLoop wires the monitor loop together.
func NewLoop(cfg *config.Config, client chain.Client, dispatcher *Dispatcher, channel *admin.Channel,
	executor admin.Executor, pipeline provision.Pipeline, reconciler *Reconciler,
	nonces *nonce.Store, fundCycle FundCycleFunc, gasCheck GasCheckFunc) *Loop {
	return &Loop{
		cfg:        cfg,
		client:     client,
		dispatcher: dispatcher,
		channel:    channel,
		executor:   executor,
		pipeline:   pipeline,
		reconciler: reconciler,
		nonces:     nonces,
		fundCycle:  fundCycle,
		gasCheck:   gasCheck,
		cursorPath: filepath.Join(cfg.Paths.StateDir, "cursor.json"),
	}
}

// Run executes the loop until the context is cancelled. Errors inside an
// iteration never terminate the loop: a bad block or a flaky provider is
// survivable, and the next iteration re-reads the same or a later range.
func (l *Loop) Run(ctx context.Context) error {
	st, err := l.startupState(ctx)
	if err != nil {
		return err
	}

	l.seedTokenCounter(ctx)

	slog.Info("monitor loop started",
		"from_height", st.lastHeight,
		"poll_interval", l.cfg.Monitor.PollInterval,
		"reconcile_interval", l.cfg.Monitor.ReconcileInterval)

	for {
		l.iterate(logging.WithCycleID(ctx, logging.GenerateCycleID()), st)

		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-time.After(l.cfg.Monitor.PollInterval):
		}
	}
}

// startupState chooses the initial cursor. "disk" replays blocks missed
// while the process was down (at least once delivery); "tip" skips them
// and starts at the current height.
func (l *Loop) startupState(ctx context.Context) (*loopState, error) {
	st := &loopState{}

	height, err := l.client.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain height at startup: %w", err)
	}
	st.lastHeight = height

	if l.cfg.Monitor.ResumeFrom == "disk" {
		if cursor, ok := l.readCursor(); ok && cursor < height {
			slog.Info("resuming block cursor from disk", "cursor", cursor, "tip", height)
			st.lastHeight = cursor
		}
	}

	return st, nil
}

// seedTokenCounter initializes the pipeline's token-id counter from
// on-chain supply so fresh reservations start past every minted token.
func (l *Loop) seedTokenCounter(ctx context.Context) {
	supply, err := l.client.TotalSupply(ctx)
	if err != nil {
		slog.Error("failed to seed token counter from supply", "error", err)
		return
	}
	if supply > l.pipeline.NextTokenID() {
		l.pipeline.SetNextTokenID(supply)
	}
}

// iterate runs one full cycle. Each stage catches its own failures so the
// following stages still run.
func (l *Loop) iterate(ctx context.Context, st *loopState) {
	height, err := l.client.CurrentHeight(ctx)
	if err != nil {
		rpcErrorsTotal.WithLabelValues("height").Inc()
		slog.Error("failed to query chain height", "error", err)
		return
	}
	currentHeight.Set(float64(height))

	if height > st.lastHeight {
		l.processRange(ctx, st, st.lastHeight+1, height)
	}

	l.pruneNonces()

	l.pipeline.ResumeOrDrain(ctx)

	if !l.pipeline.Busy() {
		l.runPeriodicTasks(ctx, st)
	}
}

// processRange handles blocks [from, to] strictly in height order: events
// first for the whole range, then the admin command scan over the same
// range. Events drive provisioning; commands drive privileged host
// mutations.
func (l *Loop) processRange(ctx context.Context, st *loopState, from, to uint64) {
	blocks := make([]*chain.Block, 0, to-from+1)

	processedTo := to
	for height := from; height <= to; height++ {
		block, err := l.client.GetBlock(ctx, height, true)
		if err != nil {
			rpcErrorsTotal.WithLabelValues("block").Inc()
			slog.Error("failed to fetch block, range will be retried", "height", height, "error", err)
			// Do not advance the cursor past a fetch failure. The fetched
			// prefix still gets its admin scan before the cursor commits,
			// so a command in an already-dispatched block is never skipped.
			processedTo = height - 1
			break
		}

		l.dispatcher.DispatchBlock(ctx, block)
		blocks = append(blocks, block)
		blocksProcessedTotal.Inc()
	}

	for _, block := range blocks {
		for i := range block.Transactions {
			for _, result := range l.channel.Scan(ctx, &block.Transactions[i]) {
				outcome := "failure"
				if result.Success {
					outcome = "success"
				}
				adminCommandsTotal.WithLabelValues(outcome).Inc()
			}
		}
	}

	l.finishRange(st, processedTo, from)
}

// pruneNonces drops nonces older than the command acceptance window. Runs
// every cycle, whether or not new blocks arrived.
func (l *Loop) pruneNonces() {
	maxAge := time.Duration(l.cfg.Admin.MaxCommandAge) * time.Second
	if pruned, err := l.nonces.Prune(maxAge); err != nil {
		slog.Error("failed to prune nonce store", "error", err)
	} else if pruned > 0 {
		slog.Debug("pruned expired nonces", "count", pruned)
	}
}

// finishRange commits the cursor for the processed prefix of the range.
func (l *Loop) finishRange(st *loopState, processedTo, from uint64) {
	if processedTo < from {
		return
	}
	st.lastHeight = processedTo
	if err := l.writeCursor(processedTo); err != nil {
		slog.Error("failed to persist block cursor", "error", err)
	}
	slog.Info("processed block range", "from", from, "to", processedTo)
}

// runPeriodicTasks fires whichever periodic tasks are due. They only run
// while the pipeline is idle, so the reconciler and the pipeline never
// write the database concurrently.
func (l *Loop) runPeriodicTasks(ctx context.Context, st *loopState) {
	now := time.Now()

	if now.Sub(st.lastReconcile) >= l.cfg.Monitor.ReconcileInterval {
		st.lastReconcile = now
		if err := l.reconciler.Run(ctx); err != nil {
			rpcErrorsTotal.WithLabelValues("reconcile").Inc()
			slog.Error("reconciliation cycle failed", "error", err)
		}
	}

	if l.fundCycle != nil && now.Sub(st.lastFundCycle) >= l.cfg.Monitor.FundInterval {
		st.lastFundCycle = now
		if err := l.fundCycle(ctx); err != nil {
			slog.Error("fund cycle failed", "error", err)
		}
	}

	if l.gasCheck != nil && now.Sub(st.lastGasCheck) >= l.cfg.Monitor.GasCheckInterval {
		st.lastGasCheck = now
		l.checkGas(ctx)
	}
}

// checkGas warns when the server wallet cannot fund many more transactions.
func (l *Loop) checkGas(ctx context.Context) {
	balance, err := l.gasCheck(ctx)
	if err != nil {
		rpcErrorsTotal.WithLabelValues("gas_check").Inc()
		slog.Error("gas check failed", "error", err)
		return
	}
	if balance < l.cfg.Monitor.MinGasSats {
		slog.Warn("server wallet balance below gas floor", "balance_sats", balance, "floor_sats", l.cfg.Monitor.MinGasSats)
	} else {
		slog.Debug("gas check ok", "balance_sats", balance)
	}
}

// shutdown closes any knocks this process opened, within a short deadline.
func (l *Loop) shutdown() {
	slog.Info("monitor loop stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l.executor.CloseAll(ctx)
}

func (l *Loop) readCursor() (uint64, bool) {
	data, err := os.ReadFile(l.cursorPath)
	if err != nil {
		return 0, false
	}
	var cursor cursorFile
	if err := json.Unmarshal(data, &cursor); err != nil {
		slog.Warn("discarding unreadable cursor file", "path", l.cursorPath, "error", err)
		return 0, false
	}
	return cursor.LastHeight, true
}

// writeCursor persists the cursor atomically alongside each processed range.
func (l *Loop) writeCursor(height uint64) error {
	data, err := json.Marshal(cursorFile{LastHeight: height})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.cursorPath), ".cursor-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.cursorPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
