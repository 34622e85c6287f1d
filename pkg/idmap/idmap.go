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

// Package idmap manages the lifecycle of id-map files: the external tool
// invocation that builds them, their on-disk location, and the dangerous
// flag encoded in their header.
package idmap

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/nextdoor/overlaymgr/pkg/metrics"
)

// dangerousFlagOffset is the byte offset of the third 32-bit big-endian word
// in an id-map file's header, where the tool records whether the overlay
// touches resources the target did not mark overlayable.
const dangerousFlagOffset = 2 * 4

// Lifecycle drives the external id-map tool and inspects the files it
// produces. It performs no caching of its own: every call re-derives the
// answer from the filesystem and, where needed, re-invokes the tool.
//
// Every method is keyed by an overlay's baseCodePath, never by package name
// or user: the id-map path is a pure function of baseCodePath, so two
// records that happen to share a code path (the common case across users of
// the same overlay APK) share one id-map file.
type Lifecycle struct {
	// ToolPath is the path to the external id-map generator binary.
	ToolPath string
	// CacheDir is the directory id-map files are written into.
	CacheDir string
	Log      logr.Logger
	Metrics  *metrics.Recorder
}

// NewLifecycle constructs a Lifecycle rooted at cacheDir, invoking toolPath
// to generate id-maps.
func NewLifecycle(toolPath, cacheDir string, log logr.Logger, metricsRecorder *metrics.Recorder) *Lifecycle {
	return &Lifecycle{
		ToolPath: toolPath,
		CacheDir: cacheDir,
		Log:      log.WithName("idmap"),
		Metrics:  metricsRecorder,
	}
}

// PathFor derives the id-map file path for an overlay's baseCodePath: path
// separators are replaced with '@', any leading separator is dropped, and
// the result is suffixed with "@idmap" inside the cache directory.
func (l *Lifecycle) PathFor(baseCodePath string) string {
	trimmed := strings.TrimPrefix(baseCodePath, string(filepath.Separator))
	flattened := strings.ReplaceAll(trimmed, string(filepath.Separator), "@")
	return filepath.Join(l.CacheDir, flattened+"@idmap")
}

// Exists reports whether an id-map file is already present for baseCodePath.
func (l *Lifecycle) Exists(baseCodePath string) bool {
	_, err := os.Stat(l.PathFor(baseCodePath))
	return err == nil
}

// Create invokes the external tool to (re)build the id-map file for an
// overlay/target pair. It is idempotent: calling it again overwrites the
// previous file. It fails when the cache directory cannot be created or the
// tool cannot be run or exits non-zero; callers treat either as non-fatal
// and let Rules observe exists=false on the next check.
func (l *Lifecycle) Create(ctx context.Context, targetPath, overlayPath, baseCodePath string) error {
	if err := os.MkdirAll(l.CacheDir, 0o755); err != nil {
		return fmt.Errorf("idmap: create cache dir: %w", err)
	}
	out := l.PathFor(baseCodePath)
	cmd := exec.CommandContext(ctx, l.ToolPath, targetPath, overlayPath, out)
	output, err := run(cmd)
	l.Metrics.RecordIdmapOperation(metrics.IdmapOperationCreate, err)
	if err != nil {
		l.Log.Error(err, "idmap tool failed", "baseCodePath", baseCodePath, "output", output)
		return fmt.Errorf("idmap: generate for %s: %w", baseCodePath, err)
	}
	l.Log.V(1).Info("generated idmap", "baseCodePath", baseCodePath, "path", out)
	return nil
}

// Remove deletes the id-map file for baseCodePath, if present. Absence is
// not an error: removal is idempotent and best-effort, per the lifecycle's
// failure semantics.
func (l *Lifecycle) Remove(baseCodePath string) error {
	err := os.Remove(l.PathFor(baseCodePath))
	if err != nil && !os.IsNotExist(err) {
		l.Metrics.RecordIdmapOperation(metrics.IdmapOperationRemove, err)
		l.Log.Error(err, "idmap remove failed", "baseCodePath", baseCodePath)
		return fmt.Errorf("idmap: remove %s: %w", baseCodePath, err)
	}
	l.Metrics.RecordIdmapOperation(metrics.IdmapOperationRemove, nil)
	return nil
}

// IsDangerous reads the dangerous flag out of an id-map file's header: the
// third 32-bit big-endian word, non-zero meaning the overlay touches
// resources the target package did not mark overlayable. Any I/O error
// (missing file, truncated header) is treated as dangerous: this method
// fails safe rather than fails open.
func (l *Lifecycle) IsDangerous(baseCodePath string) bool {
	path := l.PathFor(baseCodePath)
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	header := make([]byte, dangerousFlagOffset+4)
	if _, err := f.ReadAt(header, 0); err != nil {
		return true
	}
	word := binary.BigEndian.Uint32(header[dangerousFlagOffset:])
	return word != 0
}

func run(cmd *exec.Cmd) (string, error) {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("run %s: %w", strings.Join(cmd.Args, " "), err)
	}
	return string(output), nil
}
