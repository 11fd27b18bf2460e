package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor loop metrics
var (
	blocksProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockhost_blocks_processed_total",
			Help: "Total number of ledger blocks processed",
		},
	)

	currentHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockhost_current_height",
			Help: "Last ledger height observed by the monitor loop",
		},
	)

	ledgerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_ledger_events_total",
			Help: "Total number of decoded subscription contract events",
		},
		[]string{"event"},
	)

	eventHandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_event_handler_failures_total",
			Help: "Total number of event handler failures, contained per event",
		},
		[]string{"event"},
	)

	adminCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_admin_commands_total",
			Help: "Total number of dispatched admin commands by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	rpcErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_rpc_errors_total",
			Help: "Total number of ledger RPC failures by loop stage",
		},
		[]string{"stage"}, // height, block, reconcile, gas_check
	)
)

// Reconciliation metrics
var (
	reconcileRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockhost_reconcile_runs_total",
			Help: "Total number of completed reconciliation cycles",
		},
	)

	reconcileSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_reconcile_skips_total",
			Help: "Total number of skipped reconciliation cycles by reason",
		},
		[]string{"reason"}, // in_progress, pipeline_busy
	)

	reconcileRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockhost_reconcile_repairs_total",
			Help: "Total number of drift repairs applied by kind",
		},
		[]string{"kind"}, // adopt_token, mark_minted, owner_update, gecos_sync
	)

	reconcileOrphanTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockhost_reconcile_orphan_tokens_total",
			Help: "Total number of on-chain tokens with no matching local workload",
		},
	)
)
