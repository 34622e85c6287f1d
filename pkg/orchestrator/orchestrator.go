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

// Package orchestrator runs the boot sequence and the steady-state change
// listener that wire the Registry, PackageDriver, StateCodec and the
// host-facing publishers together. It owns no package facts or overlay
// state itself: everything it does is sequencing calls to its
// collaborators in the right order, and reacting to registry.Event.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nextdoor/overlaymgr/pkg/codec"
	"github.com/nextdoor/overlaymgr/pkg/driver"
	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/packagedb"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

// overlayStates enumerates every ApprovalState, so recomputeOverlaysByState
// can reset a state's gauge to zero once its last record leaves it, rather
// than only ever setting the states a snapshot happens to still contain.
var overlayStates = []overlay.ApprovalState{
	overlay.StateApprovedAlwaysEnabled,
	overlay.StateApprovedEnabled,
	overlay.StateApprovedDisabled,
	overlay.StateNotApprovedComponentDisabled,
	overlay.StateNotApprovedMissingTarget,
	overlay.StateNotApprovedNoIdmap,
	overlay.StateNotApprovedDangerousOverlay,
}

// broadcastSeverityThreshold is the number of consecutive failed broadcasts
// for one target after which logging escalates from Info to Error. Nothing
// retries automatically past this point; it only changes how loud the log
// line is.
const broadcastSeverityThreshold = 3

// Orchestrator sequences the boot-ready steps and owns the steady-state
// Registry listener. The PackageDriver itself is not "subscribed" to
// anything here: the host's package-event dispatcher is expected to call
// Driver.OnPackageChanged/OnPackageRemoved directly whenever it observes an
// install broadcast, which is outside this module's scope (spec.md places
// the package manager itself out of scope). What this type does own is
// everything downstream of a Registry change.
type Orchestrator struct {
	Registry  *registry.Registry
	Driver    *driver.Driver
	Codec     *codec.Codec
	Worker    *codec.Worker
	Users     packagedb.UserRegistry
	Assets    packagedb.AssetPathPublisher
	Broadcast packagedb.BroadcastBus
	Metrics   *metrics.Recorder
	Log       logr.Logger

	failuresMu  sync.Mutex
	failures    map[string]int
	unsubscribe func()
}

// New constructs an Orchestrator wired to its collaborators. metricsRecorder
// may be a disabled Recorder in tests that don't care about metrics.
func New(reg *registry.Registry, drv *driver.Driver, cdc *codec.Codec, worker *codec.Worker, users packagedb.UserRegistry, assets packagedb.AssetPathPublisher, broadcast packagedb.BroadcastBus, metricsRecorder *metrics.Recorder, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		Registry:  reg,
		Driver:    drv,
		Codec:     cdc,
		Worker:    worker,
		Users:     users,
		Assets:    assets,
		Broadcast: broadcast,
		Metrics:   metricsRecorder,
		Log:       log.WithName("orchestrator"),
		failures:  make(map[string]int),
	}
}

// Boot runs the boot-ready sequence: restore persisted state for live
// users, reconcile and publish asset paths for user 0, persist whatever
// that produced, then register the steady-state change listener. It must
// be called exactly once, before any package event reaches the Driver.
func (o *Orchestrator) Boot(ctx context.Context) error {
	live := make(map[int]bool)
	for _, userID := range o.Users.ListLiveUsers(ctx) {
		live[userID] = true
	}

	snapshot, err := o.Codec.Restore(live)
	if err != nil {
		o.Log.Error(err, "restore failed; starting from an empty registry")
	}
	o.Registry.LoadSnapshot(snapshot)

	o.Driver.ReconcileAll(ctx, 0)
	o.publishAllAssetPaths(ctx, 0)

	if err := o.persistNow(); err != nil {
		o.Log.Error(err, "initial post-boot persistence failed")
	}
	o.recomputeOverlaysByState()

	o.unsubscribe = o.Registry.Subscribe(o.onRegistryEvent(ctx))

	return nil
}

// OnUserSwitch repeats the per-user half of the boot sequence (reconcile,
// then publish asset paths) for a newly foregrounded user.
func (o *Orchestrator) OnUserSwitch(ctx context.Context, userID int) {
	o.Driver.ReconcileAll(ctx, userID)
	o.publishAllAssetPaths(ctx, userID)
}

// Shutdown unsubscribes the change listener and flushes the persistence
// worker, so the final in-memory state is durable before the process exits.
func (o *Orchestrator) Shutdown() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.Worker.Stop()
}

// onRegistryEvent returns the steady-state listener: persist, republish
// affected asset paths, emit a host broadcast.
func (o *Orchestrator) onRegistryEvent(ctx context.Context) registry.Listener {
	return func(ev registry.Event) {
		o.Metrics.RecordRegistryEvent(eventMetricKind(ev.Kind))
		o.Worker.Enqueue()
		o.recomputeOverlaysByState()

		if enabledSetAffected(ev) {
			o.publishAssetPaths(ctx, ev.UserID, ev.Target)
		}

		o.emitBroadcast(ctx, ev)
	}
}

// recomputeOverlaysByState recounts every record across every user from
// scratch and publishes the result, per Recorder.SetOverlaysByState's
// contract: overlays move between states far more often than they're
// created or destroyed, so incrementing/decrementing in place would drift.
func (o *Orchestrator) recomputeOverlaysByState() {
	counts := make(map[overlay.ApprovalState]int, len(overlayStates))
	for _, byTarget := range o.Registry.Snapshot() {
		for _, list := range byTarget {
			for _, rec := range list {
				counts[rec.State]++
			}
		}
	}
	for _, state := range overlayStates {
		o.Metrics.SetOverlaysByState(state.String(), counts[state])
	}
}

// publishAllAssetPaths republishes every target's asset path list for
// userID, used at boot and on user switch when the whole user's state may
// have changed underneath a single Driver.ReconcileAll pass.
func (o *Orchestrator) publishAllAssetPaths(ctx context.Context, userID int) {
	for _, target := range o.Registry.TargetsForUser(userID) {
		o.publishAssetPaths(ctx, userID, target)
	}
}

// publishAssetPaths recomputes and pushes the ordered enabled-overlay path
// list for one (userID, target) pair.
func (o *Orchestrator) publishAssetPaths(ctx context.Context, userID int, target string) {
	enabled := o.Registry.GetByTarget(target, userID, true)
	paths := make([]string, 0, len(enabled))
	for _, rec := range enabled {
		paths = append(paths, rec.BaseCodePath)
	}
	if err := o.Assets.Publish(ctx, userID, target, paths); err != nil {
		o.Log.Error(err, "asset path publish failed", "userID", userID, "target", target)
	}
}

// persistNow writes the current Registry snapshot synchronously, bypassing
// the coalescing worker: the boot sequence needs step 5's write to have
// actually landed before step 6 registers the listener, not merely queued.
func (o *Orchestrator) persistNow() error {
	done := o.Metrics.PersistenceWriteTimer()
	err := o.Codec.Write(o.Registry.Snapshot())
	done(err)
	return err
}

// emitBroadcast fires the host broadcast for ev and tracks consecutive
// failures per broadcast subject (the overlay package, or the target for a
// reorder) for escalating log severity. Nothing here retries: a
// failed broadcast is corrected, if at all, by the next reconciliation pass
// producing a fresh event.
func (o *Orchestrator) emitBroadcast(ctx context.Context, ev registry.Event) {
	action, packageOrTarget, ok := broadcastFor(ev)
	if !ok {
		return
	}

	err := o.Broadcast.Broadcast(ctx, action, packageOrTarget, ev.UserID)
	o.failuresMu.Lock()
	if err != nil {
		o.failures[packageOrTarget]++
		count := o.failures[packageOrTarget]
		o.failuresMu.Unlock()

		o.Metrics.RecordBroadcastFailure(packageOrTarget)
		if count >= broadcastSeverityThreshold {
			o.Log.Error(err, "host broadcast failed repeatedly", "action", action, "target", packageOrTarget, "consecutiveFailures", count)
		} else {
			o.Log.Info("host broadcast failed", "action", action, "target", packageOrTarget, "consecutiveFailures", count, "error", err.Error())
		}
		return
	}
	o.failures[packageOrTarget] = 0
	o.failuresMu.Unlock()
}

// broadcastFor maps a registry.Event to the host broadcast it produces.
// ok is false for an event kind that publishes no broadcast (there are
// none today, but the mapping stays explicit rather than defaulting
// silently).
func broadcastFor(ev registry.Event) (action packagedb.BroadcastAction, packageOrTarget string, ok bool) {
	switch ev.Kind {
	case registry.EventAdded:
		return packagedb.BroadcastOverlayAdded, ev.New.OverlayPackage, true
	case registry.EventRemoved:
		return packagedb.BroadcastOverlayRemoved, ev.Old.OverlayPackage, true
	case registry.EventChanged:
		return packagedb.BroadcastOverlayChanged, ev.New.OverlayPackage, true
	case registry.EventReordered:
		return packagedb.BroadcastOverlaysReordered, ev.Target, true
	default:
		return "", "", false
	}
}

// enabledSetAffected reports whether ev could change the ordered list of
// enabled overlays an asset-path consumer observes for its target. spec.md
// §4.7 step 6 says to republish "if the enabled-set changed"; a Reordered
// event never changes set membership but can still change the relative
// order of already-enabled overlays, which is exactly what the published
// path list encodes, so it is treated as affecting the set too (see
// DESIGN.md Open Question resolutions).
func enabledSetAffected(ev registry.Event) bool {
	switch ev.Kind {
	case registry.EventAdded:
		return ev.New.Enabled()
	case registry.EventRemoved:
		return ev.Old.Enabled()
	case registry.EventChanged:
		return ev.Old.Enabled() != ev.New.Enabled()
	case registry.EventReordered:
		return true
	default:
		return false
	}
}

func eventMetricKind(kind registry.EventKind) string {
	switch kind {
	case registry.EventAdded:
		return metrics.EventAdded
	case registry.EventChanged:
		return metrics.EventChanged
	case registry.EventRemoved:
		return metrics.EventRemoved
	case registry.EventReordered:
		return metrics.EventReordered
	default:
		return fmt.Sprintf("unknown(%d)", int(kind))
	}
}
