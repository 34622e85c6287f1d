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

package driver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/overlaymgr/internal/fakes"
	"github.com/nextdoor/overlaymgr/pkg/idmap"
	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

// harmlessTool writes a shell script standing in for the external id-map
// generator: it always succeeds and writes a non-dangerous header, so tests
// that don't care about the dangerous flag can ignore it.
func harmlessTool(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool script requires a POSIX shell")
	}
	dir := t.TempDir()
	headerPath := filepath.Join(dir, "header.bin")
	require.NoError(t, os.WriteFile(headerPath, make([]byte, 12), 0o644))
	scriptPath := filepath.Join(dir, "idmap-tool.sh")
	script := "#!/bin/sh\ncp " + headerPath + " \"$3\"\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))
	return scriptPath
}

func newTestDriver(t *testing.T) (*Driver, *fakes.Database, *fakes.UserRegistry, *registry.Registry) {
	t.Helper()
	db := fakes.NewDatabase()
	users := fakes.NewUserRegistry()
	reg := registry.New(logr.Discard())
	im := idmap.NewLifecycle(harmlessTool(t), t.TempDir(), logr.Discard(), metrics.NewRecorder(true))
	return New(reg, db, users, im, logr.Discard(), metrics.NewRecorder(true)), db, users, reg
}

func overlayFacts(name, target, basePath string) overlay.PackageFacts {
	return overlay.PackageFacts{
		PackageName:      name,
		OverlayTarget:    target,
		BaseCodePath:     basePath,
		ComponentEnabled: true,
	}
}

func targetFacts(name, basePath string) overlay.PackageFacts {
	return overlay.PackageFacts{PackageName: name, BaseCodePath: basePath, ComponentEnabled: true}
}

func TestOnPackageChangedInstallsOverlayAsApprovedDisabled(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))

	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	rec, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, overlay.StateApprovedDisabled, rec.State)
	assert.Equal(t, "com.example.target", rec.TargetPackage)
}

func TestOnPackageChangedMissingTargetYieldsNotApprovedMissingTarget(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))

	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	rec, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, overlay.StateNotApprovedMissingTarget, rec.State)
}

func TestOnPackageChangedSystemOverlayIsAlwaysEnabled(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	facts := overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay")
	facts.IsSystem = true
	db.Install(0, facts)

	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	rec, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, overlay.StateApprovedAlwaysEnabled, rec.State)
	assert.True(t, rec.Enabled())
}

func TestOnPackageChangedTargetUpdateReconcilesDependentOverlays(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))
	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})
	require.Len(t, reg.GetByTarget("com.example.target", 0, false), 1)

	// The overlay is not re-announced, but the target's facts change: the
	// driver must walk GetByTarget and re-derive the overlay anyway.
	db.Install(0, targetFacts("com.example.target", "/data/app/target-v2"))
	d.OnPackageChanged(ctx, "com.example.target", []int{0})

	rec, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, overlay.StateApprovedDisabled, rec.State)
}

func TestOnPackageChangedSelfTargetingOverlayIsSkipped(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	facts := overlayFacts("com.example.overlay", "com.example.overlay", "/data/app/overlay")
	db.Install(0, facts)

	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	_, ok := reg.Get("com.example.overlay", 0)
	assert.False(t, ok, "an overlay that targets itself must never get a registry record")
}

func TestOnPackageRemovedDeletesRecordAndIdmapWhenLastReference(t *testing.T) {
	d, db, users, reg := newTestDriver(t)
	ctx := context.Background()
	users.AddUser(0, true)

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))
	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})
	require.True(t, d.Idmap.Exists("/data/app/overlay"))

	d.OnPackageRemoved(ctx, "com.example.overlay", []int{0}, false)

	_, ok := reg.Get("com.example.overlay", 0)
	assert.False(t, ok)
	assert.False(t, d.Idmap.Exists("/data/app/overlay"), "idmap file should be removed once no record references it")
}

func TestOnPackageRemovedReplacingStashesRecordForUpgrade(t *testing.T) {
	d, db, users, reg := newTestDriver(t)
	ctx := context.Background()
	users.AddUser(0, true)

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))
	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	// User had explicitly enabled the overlay before the upgrade began.
	before, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	before.State = overlay.StateApprovedEnabled
	reg.Insert(before)

	d.OnPackageRemoved(ctx, "com.example.overlay", []int{0}, true)
	_, ok = reg.Get("com.example.overlay", 0)
	assert.False(t, ok, "record is removed during the replace window")

	// The replacement's add carries the same package/base path.
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))
	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})

	after, ok := reg.Get("com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, overlay.StateApprovedEnabled, after.State, "the prior enabled bit should survive the replace")
}

func TestOnPackageRemovedWithNoRecordReconcilesOverlaysTargetingIt(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay", "com.example.target", "/data/app/overlay"))
	d.OnPackageChanged(ctx, "com.example.overlay", []int{0})
	require.Equal(t, overlay.StateApprovedDisabled, mustGet(t, reg, "com.example.overlay").State)

	db.Uninstall(0, "com.example.target")
	d.OnPackageRemoved(ctx, "com.example.target", []int{0}, false)

	rec := mustGet(t, reg, "com.example.overlay")
	assert.Equal(t, overlay.StateNotApprovedMissingTarget, rec.State)
}

func TestReconcileAllAddsNewAndDropsUninstalledOverlays(t *testing.T) {
	d, db, _, reg := newTestDriver(t)
	ctx := context.Background()

	db.Install(0, targetFacts("com.example.target", "/data/app/target"))
	db.Install(0, overlayFacts("com.example.overlay.a", "com.example.target", "/data/app/a"))
	d.ReconcileAll(ctx, 0)
	require.Len(t, reg.GetByTarget("com.example.target", 0, false), 1)

	db.Uninstall(0, "com.example.overlay.a")
	db.Install(0, overlayFacts("com.example.overlay.b", "com.example.target", "/data/app/b"))
	d.ReconcileAll(ctx, 0)

	list := reg.GetByTarget("com.example.target", 0, false)
	require.Len(t, list, 1)
	assert.Equal(t, "com.example.overlay.b", list[0].OverlayPackage)
}

func mustGet(t *testing.T, reg *registry.Registry, overlayPackage string) overlay.OverlayRecord {
	t.Helper()
	rec, ok := reg.Get(overlayPackage, 0)
	require.True(t, ok)
	return rec
}
