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

package hostmanifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/overlaymgr/pkg/packagedb"
)

const manifestYAML = `
users:
  - id: 0
    live: true
  - id: 5
    live: false
packages:
  - name: com.example.target
    baseCodePath: /data/app/target
    componentEnabled: true
    signingIdentity: platform-key
  - name: com.example.overlay
    overlayTarget: com.example.target
    baseCodePath: /data/app/overlay
    componentEnabled: true
    isSystem: true
    requestedOverlayPriority: 3
    signingIdentity: platform-key
  - name: com.example.untrusted-overlay
    overlayTarget: com.example.target
    baseCodePath: /data/app/untrusted-overlay
    componentEnabled: true
    signingIdentity: some-other-key
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesPackagesAndUsers(t *testing.T) {
	path := writeManifest(t, manifestYAML)
	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Users, 2)
	assert.Len(t, m.Packages, 3)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadReturnsErrorForMalformedYAML(t *testing.T) {
	path := writeManifest(t, "packages: [this is not")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDatabaseGetPackageFactsReturnsFalseForUnknownPackage(t *testing.T) {
	m, err := Load(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	db := NewDatabase(m)

	_, ok := db.GetPackageFacts(context.Background(), "com.example.missing", 0)
	assert.False(t, ok)
}

func TestDatabaseGetPackageFactsPopulatesSignatureMatch(t *testing.T) {
	m, err := Load(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	db := NewDatabase(m)

	facts, ok := db.GetPackageFacts(context.Background(), "com.example.overlay", 0)
	require.True(t, ok)
	assert.Equal(t, "com.example.target", facts.OverlayTarget)
	assert.Equal(t, "/data/app/overlay", facts.BaseCodePath)
	assert.True(t, facts.IsSystem)
	assert.Equal(t, 3, facts.RequestedOverlayPriority)
	assert.True(t, facts.SignatureMatchesTarget)

	untrusted, ok := db.GetPackageFacts(context.Background(), "com.example.untrusted-overlay", 0)
	require.True(t, ok)
	assert.False(t, untrusted.SignatureMatchesTarget)
}

func TestDatabaseCheckSignatures(t *testing.T) {
	m, err := Load(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	db := NewDatabase(m)

	assert.Equal(t, packagedb.SignatureMatch, db.CheckSignatures(context.Background(), "com.example.overlay", "com.example.target"))
	assert.Equal(t, packagedb.SignatureMismatch, db.CheckSignatures(context.Background(), "com.example.untrusted-overlay", "com.example.target"))
	assert.Equal(t, packagedb.SignatureUnknown, db.CheckSignatures(context.Background(), "com.example.missing", "com.example.target"))
}

func TestDatabaseListOverlayPackagesOnlyListsOverlays(t *testing.T) {
	m, err := Load(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	db := NewDatabase(m)

	names := db.ListOverlayPackages(context.Background(), 0)
	assert.ElementsMatch(t, []string{"com.example.overlay", "com.example.untrusted-overlay"}, names)
}

func TestUserRegistryListsLiveAndAllUsers(t *testing.T) {
	m, err := Load(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	users := NewUserRegistry(m)

	assert.ElementsMatch(t, []int{0}, users.ListLiveUsers(context.Background()))
	assert.ElementsMatch(t, []int{0, 5}, users.UserIDs(context.Background()))
	assert.False(t, users.HasRestriction(context.Background(), 0, "no_install_unknown_sources"))
}

func TestLoggingAssetPathPublisherNeverErrors(t *testing.T) {
	p := LoggingAssetPathPublisher{Log: logr.Discard()}
	assert.NoError(t, p.Publish(context.Background(), 0, "com.example.target", []string{"/data/app/overlay"}))
}

func TestLoggingBroadcastBusNeverErrors(t *testing.T) {
	b := LoggingBroadcastBus{Log: logr.Discard()}
	assert.NoError(t, b.Broadcast(context.Background(), packagedb.BroadcastOverlayAdded, "com.example.overlay", 0))
}
