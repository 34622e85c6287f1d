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

// Package driver keeps the Registry consistent with the host package
// database. It holds no persistent state of its own beyond a short-lived
// pending-upgrade map: every decision is re-derived from fresh package
// facts on every call.
package driver

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/nextdoor/overlaymgr/pkg/idmap"
	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/packagedb"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

// Driver consumes package add/change/replace/remove notifications and
// reconciles the Registry against current package facts. It is stateless
// across calls except for the pending-upgrade map, which exists only to
// bridge the remove-then-add pair a package replacement generates.
type Driver struct {
	Registry *registry.Registry
	DB       packagedb.Database
	Users    packagedb.UserRegistry
	Idmap    *idmap.Lifecycle
	Log      logr.Logger
	Metrics  *metrics.Recorder

	pendingMu sync.Mutex
	pending   map[string]overlay.OverlayRecord
}

// New constructs a Driver wired to its collaborators.
func New(reg *registry.Registry, db packagedb.Database, users packagedb.UserRegistry, im *idmap.Lifecycle, log logr.Logger, metricsRecorder *metrics.Recorder) *Driver {
	return &Driver{
		Registry: reg,
		DB:       db,
		Users:    users,
		Idmap:    im,
		Log:      log.WithName("driver"),
		Metrics:  metricsRecorder,
		pending:  make(map[string]overlay.OverlayRecord),
	}
}

// OnPackageChanged handles PACKAGE_ADDED, PACKAGE_CHANGED and
// PACKAGE_REPLACED uniformly for packageName, across userIDs.
func (d *Driver) OnPackageChanged(ctx context.Context, packageName string, userIDs []int) {
	done := d.Metrics.ReconciliationTimer()
	defer done(nil)

	correlationID := uuid.NewString()
	log := d.Log.WithValues("correlationID", correlationID, "package", packageName)

	for _, userID := range userIDs {
		facts, installed := d.DB.GetPackageFacts(ctx, packageName, userID)
		if !installed {
			continue
		}

		if facts.IsOverlay() {
			targetFacts, targetInstalled := d.DB.GetPackageFacts(ctx, facts.OverlayTarget, userID)
			if targetInstalled {
				if err := d.Idmap.Create(ctx, targetFacts.BaseCodePath, facts.BaseCodePath, facts.BaseCodePath); err != nil {
					log.Error(err, "idmap create failed", "userID", userID)
				}
			}
			d.reconcileOverlay(facts, userID, targetInstalled, log)
			continue
		}

		// packageName may be a target whose facts changed: reconcile every
		// overlay that currently targets it.
		for _, rec := range d.Registry.GetByTarget(packageName, userID, false) {
			ovFacts, ok := d.DB.GetPackageFacts(ctx, rec.OverlayPackage, userID)
			if !ok {
				continue
			}
			d.reconcileOverlay(ovFacts, userID, true, log)
		}
	}
}

// OnPackageRemoved handles PACKAGE_REMOVED for packageName across userIDs.
// replacing indicates the removal is the first half of an upgrade: the
// prior record is stashed so the add that follows inherits its
// enabled/disabled bit.
func (d *Driver) OnPackageRemoved(ctx context.Context, packageName string, userIDs []int, replacing bool) {
	done := d.Metrics.ReconciliationTimer()
	defer done(nil)

	log := d.Log.WithValues("correlationID", uuid.NewString(), "package", packageName)

	var lastBaseCodePath string
	anyExisted := false
	for _, userID := range userIDs {
		old, existed := d.Registry.Get(packageName, userID)
		if existed {
			d.Registry.Remove(packageName, userID)
			anyExisted = true
			lastBaseCodePath = old.BaseCodePath
			if replacing {
				d.stashPending(packageName, old)
			}
			continue
		}

		// No record existed for packageName under this user: it may be a
		// target package being removed. Reconcile every overlay that
		// targeted it so they transition to NotApprovedMissingTarget.
		for _, rec := range d.Registry.GetByTarget(packageName, userID, false) {
			ovFacts, ok := d.DB.GetPackageFacts(ctx, rec.OverlayPackage, userID)
			if !ok {
				continue
			}
			d.reconcileOverlay(ovFacts, userID, false, log)
		}
	}

	if anyExisted && !d.overlayStillInstalledAnywhere(ctx, packageName) {
		if err := d.Idmap.Remove(lastBaseCodePath); err != nil {
			log.Error(err, "idmap remove failed")
		}
	}
}

// reconcileOverlay re-derives p's state and commits the resulting record.
// It refuses to create a record for an overlay that targets itself.
func (d *Driver) reconcileOverlay(p overlay.PackageFacts, userID int, targetInstalled bool, log logr.Logger) {
	if p.OverlayTarget == p.PackageName {
		log.Info("overlay targets itself, skipping", "overlayPackage", p.PackageName, "userID", userID)
		return
	}

	prev := d.popPending(p.PackageName)
	if prev == nil {
		if current, ok := d.Registry.Get(p.PackageName, userID); ok {
			prev = &current
		}
	}

	var idmapExists, idmapDangerous bool
	if targetInstalled {
		idmapExists = d.Idmap.Exists(p.BaseCodePath)
		if idmapExists {
			idmapDangerous = d.Idmap.IsDangerous(p.BaseCodePath)
		}
	}

	state, err := overlay.DeriveState(prev, p, userID, targetInstalled, idmapExists, idmapDangerous)
	if err != nil {
		log.Error(err, "deriveState rejected reconciliation input", "overlayPackage", p.PackageName, "userID", userID)
		return
	}

	d.Registry.Insert(overlay.OverlayRecord{
		OverlayPackage:           p.PackageName,
		TargetPackage:            p.OverlayTarget,
		BaseCodePath:             p.BaseCodePath,
		State:                    state,
		UserID:                   userID,
		IsSystem:                 p.IsSystem,
		RequestedOverlayPriority: p.RequestedOverlayPriority,
	})
}

// ReconcileAll runs the missed-event recovery pass for userID: it lists
// every overlay package currently installed for the user, reconciles each,
// then removes any registry record whose overlay is no longer installed.
// It is run at boot for the initial user and again on every user switch.
func (d *Driver) ReconcileAll(ctx context.Context, userID int) {
	done := d.Metrics.ReconciliationTimer()
	defer done(nil)

	log := d.Log.WithValues("correlationID", uuid.NewString(), "userID", userID)

	installed := make(map[string]bool)
	for _, name := range d.DB.ListOverlayPackages(ctx, userID) {
		installed[name] = true
		facts, ok := d.DB.GetPackageFacts(ctx, name, userID)
		if !ok {
			continue
		}
		targetInstalled := false
		if facts.IsOverlay() {
			targetFacts, ok := d.DB.GetPackageFacts(ctx, facts.OverlayTarget, userID)
			targetInstalled = ok
			if ok {
				if err := d.Idmap.Create(ctx, targetFacts.BaseCodePath, facts.BaseCodePath, facts.BaseCodePath); err != nil {
					log.Error(err, "idmap create failed", "overlayPackage", name)
				}
			}
		}
		d.reconcileOverlay(facts, userID, targetInstalled, log)
	}

	for target, recs := range d.Registry.GetAll(userID) {
		for _, rec := range recs {
			if !installed[rec.OverlayPackage] {
				d.Registry.Remove(rec.OverlayPackage, userID)
				log.Info("removed stale overlay record no longer installed", "overlayPackage", rec.OverlayPackage, "target", target)
			}
		}
	}
}

func (d *Driver) overlayStillInstalledAnywhere(ctx context.Context, packageName string) bool {
	for _, userID := range d.Users.UserIDs(ctx) {
		if _, ok := d.Registry.Get(packageName, userID); ok {
			return true
		}
	}
	return false
}

func (d *Driver) stashPending(packageName string, record overlay.OverlayRecord) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[packageName] = record
}

func (d *Driver) popPending(packageName string) *overlay.OverlayRecord {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	record, ok := d.pending[packageName]
	if !ok {
		return nil
	}
	delete(d.pending, packageName)
	return &record
}
