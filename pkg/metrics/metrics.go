/*
Copyright 2025 Overlaymgr Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides Prometheus metrics for the overlay manager
// daemon: reconciliation performance, registry churn, id-map tool health,
// and persistence durability, served over promhttp rather than through a
// controller-runtime manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the Prometheus metric namespace for all overlay manager
	// metrics.
	Namespace = "overlaymgr"

	// Label values for registry event kinds.
	EventAdded     = "added"
	EventChanged   = "changed"
	EventRemoved   = "removed"
	EventReordered = "reordered"

	// Label values for id-map tool operations.
	IdmapOperationCreate = "create"
	IdmapOperationRemove = "remove"

	// Label values for outcome status.
	StatusSuccess = "success"
	StatusError   = "error"

	// Label values for facade mutation outcomes. "applied" means the
	// request's end state was reached; "noop" means the Facade returned
	// cleanly without error but declined to change anything (missing
	// record, always-enabled overlay, an order that would violate the
	// ordering invariant); "error" means authorization or argument
	// validation rejected the call before it reached the Registry.
	FacadeOutcomeApplied = "applied"
	FacadeOutcomeNoop    = "noop"
	FacadeOutcomeError   = "error"
)

// Registry is this module's own Prometheus registry, served via promhttp
// rather than registered against the global default: nothing in this
// daemon shares a process with an unrelated controller-runtime manager, so
// there is no shared metrics server to hook into.
var Registry = prometheus.NewRegistry()

var (
	// ReconciliationDuration tracks the duration of each PackageDriver
	// reconciliation pass.
	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "reconciliation_duration_seconds",
		Help:      "Duration of PackageDriver reconciliation passes in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// ReconciliationTotal counts reconciliation passes by outcome status.
	ReconciliationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconciliation_total",
		Help:      "Total number of reconciliation passes by status",
	}, []string{"status"})

	// RegistryEventsTotal counts Registry change events by kind.
	RegistryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "registry_events_total",
		Help:      "Total Registry change events by kind",
	}, []string{"kind"})

	// OverlaysByState tracks the current number of overlay records in each
	// approval state, across every user.
	OverlaysByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "overlays_by_state",
		Help:      "Current number of overlay records by approval state",
	}, []string{"state"})

	// IdmapOperationsTotal counts id-map tool invocations by operation and
	// outcome.
	IdmapOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "idmap_operations_total",
		Help:      "Total id-map tool invocations by operation and status",
	}, []string{"operation", "status"})

	// PersistenceWriteDuration tracks how long the orchestrator's synchronous
	// boot-time StateCodec write takes. Writes made by codec.Worker are not
	// timed.
	PersistenceWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "persistence_write_duration_seconds",
		Help:      "Duration of persisted-document writes in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// PersistenceFailuresTotal counts failures of the orchestrator's
	// synchronous boot-time write. Failed codec.Worker writes are logged by
	// the worker and not counted here.
	PersistenceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "persistence_failures_total",
		Help:      "Total persisted-document write failures",
	})

	// BroadcastFailuresTotal counts every host-broadcast failure; it is never
	// reset on success. The "target" label holds the broadcast subject: the
	// overlay package for per-overlay actions, the target package for a
	// reorder.
	BroadcastFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "broadcast_failures_total",
		Help:      "Total host broadcast failures by target package",
	}, []string{"target"})

	// Info provides daemon metadata as labels on a constant gauge.
	Info = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "info",
		Help:      "Daemon information with version labels",
	}, []string{"version"})

	// FacadeMutationsTotal counts ServiceFacade mutation calls by operation
	// and outcome, independent of the Registry churn those mutations may
	// or may not end up causing.
	FacadeMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "facade_mutations_total",
		Help:      "Total ServiceFacade mutation calls by operation and outcome",
	}, []string{"operation", "outcome"})
)

func init() {
	Registry.MustRegister(
		ReconciliationDuration,
		ReconciliationTotal,
		RegistryEventsTotal,
		OverlaysByState,
		IdmapOperationsTotal,
		PersistenceWriteDuration,
		PersistenceFailuresTotal,
		BroadcastFailuresTotal,
		Info,
		FacadeMutationsTotal,
	)
}
