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

package idmap

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/overlaymgr/pkg/metrics"
)

// fakeTool writes a shell script standing in for the external id-map
// generator: it takes (targetPath, overlayPath, outPath) and writes a
// header whose third word is the dangerous flag baked in at script
// generation time.
func fakeTool(t *testing.T, dangerous bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool script requires a POSIX shell")
	}
	dir := t.TempDir()
	header := make([]byte, dangerousFlagOffset+4)
	if dangerous {
		binary.BigEndian.PutUint32(header[dangerousFlagOffset:], 1)
	}
	headerPath := filepath.Join(dir, "header.bin")
	require.NoError(t, os.WriteFile(headerPath, header, 0o644))

	scriptPath := filepath.Join(dir, "idmap-tool.sh")
	script := "#!/bin/sh\ncp " + headerPath + " \"$3\"\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))
	return scriptPath
}

func TestLifecyclePathFor(t *testing.T) {
	l := NewLifecycle("tool", "/cache", logr.Discard(), metrics.NewRecorder(true))

	require.Equal(t, filepath.Join("/cache", "data@app@com.example.overlay@idmap"),
		l.PathFor("/data/app/com.example.overlay"))

	// A leading separator is dropped, not doubled into the flattened name.
	require.Equal(t, l.PathFor("/data/app/com.example.overlay"), l.PathFor("data/app/com.example.overlay"))
}

func TestLifecycleCreateExistsRemove(t *testing.T) {
	cacheDir := t.TempDir()
	l := NewLifecycle(fakeTool(t, false), cacheDir, logr.Discard(), metrics.NewRecorder(true))

	baseCodePath := "/data/app/com.example.overlay"
	require.False(t, l.Exists(baseCodePath))

	err := l.Create(context.Background(), "/data/app/com.example.target", "/data/app/com.example.overlay", baseCodePath)
	require.NoError(t, err)
	require.True(t, l.Exists(baseCodePath))

	require.NoError(t, l.Remove(baseCodePath))
	require.False(t, l.Exists(baseCodePath))

	// Removing an already-absent file is not an error.
	require.NoError(t, l.Remove(baseCodePath))
}

func TestLifecycleIsDangerous(t *testing.T) {
	t.Run("not dangerous", func(t *testing.T) {
		cacheDir := t.TempDir()
		l := NewLifecycle(fakeTool(t, false), cacheDir, logr.Discard(), metrics.NewRecorder(true))
		baseCodePath := "/data/app/com.example.overlay"
		require.NoError(t, l.Create(context.Background(), "/data/app/tg", "/data/app/ov", baseCodePath))

		require.False(t, l.IsDangerous(baseCodePath))
	})

	t.Run("dangerous", func(t *testing.T) {
		cacheDir := t.TempDir()
		l := NewLifecycle(fakeTool(t, true), cacheDir, logr.Discard(), metrics.NewRecorder(true))
		baseCodePath := "/data/app/com.example.overlay"
		require.NoError(t, l.Create(context.Background(), "/data/app/tg", "/data/app/ov", baseCodePath))

		require.True(t, l.IsDangerous(baseCodePath))
	})

	t.Run("missing file fails safe as dangerous", func(t *testing.T) {
		l := NewLifecycle("tool", t.TempDir(), logr.Discard(), metrics.NewRecorder(true))
		require.True(t, l.IsDangerous("/data/app/does.not.exist"))
	})
}
