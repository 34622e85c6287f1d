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

package codec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
)

func testSnapshot() Snapshot {
	return Snapshot{
		0: {
			"com.example.target": {
				{OverlayPackage: "com.example.overlay", TargetPackage: "com.example.target", BaseCodePath: "/data/app/ov", State: overlay.StateApprovedEnabled, UserID: 0},
			},
		},
		10: {
			"com.example.target": {
				{OverlayPackage: "com.example.overlay2", TargetPackage: "com.example.target", BaseCodePath: "/data/app/ov2", State: overlay.StateApprovedDisabled, UserID: 10},
			},
		},
	}
}

func TestWriteThenRestoreRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	c := New(path, logr.Discard())

	snap := testSnapshot()
	require.NoError(t, c.Write(snap))

	restored, err := c.Restore(map[int]bool{0: true, 10: true})
	require.NoError(t, err)
	assert.Equal(t, snap, restored)
}

func TestRestoreDropsOrphanedUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	c := New(path, logr.Discard())
	require.NoError(t, c.Write(testSnapshot()))

	restored, err := c.Restore(map[int]bool{0: true})
	require.NoError(t, err)
	_, hasOrphan := restored[10]
	assert.False(t, hasOrphan)
	assert.Contains(t, restored, 0)
}

func TestRestoreMissingFileIsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.xml")
	c := New(path, logr.Discard())

	restored, err := c.Restore(map[int]bool{0: true})
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestRestoreMalformedDocumentFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	require.NoError(t, os.WriteFile(path, []byte("not xml at all <<<"), 0o644))
	c := New(path, logr.Discard())

	_, err := c.Restore(map[int]bool{0: true})
	require.ErrorIs(t, err, ErrReadFailed)
}

func TestRestoreUnsupportedVersionFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<overlays version="99"></overlays>`), 0o644))
	c := New(path, logr.Discard())

	_, err := c.Restore(map[int]bool{0: true})
	require.ErrorIs(t, err, ErrReadFailed)
}

func TestWriteIsAtomicNoPartialFileObserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlays.xml")
	c := New(path, logr.Discard())

	require.NoError(t, c.Write(testSnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// Only the canonical file should remain; no leftover temp file.
	require.Len(t, entries, 1)
	assert.Equal(t, "overlays.xml", entries[0].Name())
}

func TestWorkerCoalescesBurstsIntoOneWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	c := New(path, logr.Discard())

	var writes int
	snap := testSnapshot()
	source := func() Snapshot { writes++; return snap }

	w := NewWorker(c, source, logr.Discard())
	go w.Run()

	for i := 0; i < 20; i++ {
		w.Enqueue()
	}
	w.Stop()

	assert.Less(t, writes, 20, "a burst of enqueues should coalesce into far fewer writes")
	assert.GreaterOrEqual(t, writes, 1)

	restored, err := c.Restore(map[int]bool{0: true, 10: true})
	require.NoError(t, err)
	assert.Equal(t, snap, restored)
}

func TestWorkerStopFlushesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	c := New(path, logr.Discard())
	snap := testSnapshot()

	w := NewWorker(c, func() Snapshot { return snap }, logr.Discard())
	go w.Run()

	w.Enqueue()
	w.Stop()

	restored, err := c.Restore(map[int]bool{0: true, 10: true})
	require.NoError(t, err)
	assert.Equal(t, snap, restored)
}

func TestWorkerSurvivesWriteFailureWithoutPanicking(t *testing.T) {
	// A path under a file (not a directory) can never be created, so every
	// write fails; the worker must log and move on rather than panic or
	// wedge.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "overlays.xml")
	c := New(path, logr.Discard())

	w := NewWorker(c, func() Snapshot { return testSnapshot() }, logr.Discard())
	go w.Run()

	assert.NotPanics(t, func() {
		w.Enqueue()
		w.Stop()
	})
}

func TestWorkerEnqueueIsSafeDuringShutdownWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlays.xml")
	c := New(path, logr.Discard())
	w := NewWorker(c, func() Snapshot { return testSnapshot() }, logr.Discard())
	go w.Run()

	w.Enqueue()
	// Give the worker a moment to pick up the first item before stopping.
	time.Sleep(time.Millisecond)
	w.Stop()
}
