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

// Package hostmanifest provides a minimal, file-backed implementation of
// the pkg/packagedb collaborator interfaces, for running the daemon
// standalone without a real host platform behind it. A production
// deployment embeds overlaymgr inside its own package manager and user
// manager and supplies its own implementations of those interfaces; this
// package exists so cmd/overlaymgrd has something concrete to boot
// against, grounded on the same declarative YAML file shape pkg/config
// reads.
package hostmanifest

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/packagedb"
)

// PackageEntry describes one installed package in the manifest file.
type PackageEntry struct {
	Name                     string `yaml:"name"`
	OverlayTarget            string `yaml:"overlayTarget,omitempty"`
	BaseCodePath             string `yaml:"baseCodePath"`
	ComponentEnabled         bool   `yaml:"componentEnabled"`
	IsSystem                 bool   `yaml:"isSystem,omitempty"`
	RequestedOverlayPriority int    `yaml:"requestedOverlayPriority,omitempty"`
	SigningIdentity          string `yaml:"signingIdentity,omitempty"`
}

// UserEntry describes one end-user account in the manifest file.
type UserEntry struct {
	ID   int  `yaml:"id"`
	Live bool `yaml:"live"`
}

// Manifest is the on-disk shape: a flat package list shared by every user,
// plus the set of known user accounts. It is intentionally much simpler
// than a real package/user database — just enough to exercise the full
// reconciliation and registry machinery standalone.
type Manifest struct {
	Users    []UserEntry    `yaml:"users"`
	Packages []PackageEntry `yaml:"packages"`
}

// Load reads and parses a manifest file at path.
func Load(path string) (*Manifest, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostmanifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("hostmanifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Database is a packagedb.Database backed by a static Manifest. Every user
// sees the same package set: the manifest has no per-user overrides.
type Database struct {
	packages map[string]PackageEntry
}

// NewDatabase constructs a Database from m.
func NewDatabase(m *Manifest) *Database {
	packages := make(map[string]PackageEntry, len(m.Packages))
	for _, p := range m.Packages {
		packages[p.Name] = p
	}
	return &Database{packages: packages}
}

func (d *Database) GetPackageFacts(_ context.Context, name string, userID int) (overlay.PackageFacts, bool) {
	p, ok := d.packages[name]
	if !ok {
		return overlay.PackageFacts{}, false
	}
	return overlay.PackageFacts{
		PackageName:              p.Name,
		OverlayTarget:            p.OverlayTarget,
		BaseCodePath:             p.BaseCodePath,
		ComponentEnabled:         p.ComponentEnabled,
		IsSystem:                 p.IsSystem,
		RequestedOverlayPriority: p.RequestedOverlayPriority,
		SignatureMatchesTarget:   d.signatureMatches(p),
	}, true
}

func (d *Database) signatureMatches(p PackageEntry) bool {
	if p.OverlayTarget == "" || p.SigningIdentity == "" {
		return false
	}
	target, ok := d.packages[p.OverlayTarget]
	return ok && target.SigningIdentity == p.SigningIdentity
}

func (d *Database) CheckSignatures(_ context.Context, a, b string) packagedb.SignatureComparison {
	pa, okA := d.packages[a]
	pb, okB := d.packages[b]
	if !okA || !okB || pa.SigningIdentity == "" || pb.SigningIdentity == "" {
		return packagedb.SignatureUnknown
	}
	if pa.SigningIdentity == pb.SigningIdentity {
		return packagedb.SignatureMatch
	}
	return packagedb.SignatureMismatch
}

func (d *Database) ListOverlayPackages(_ context.Context, _ int) []string {
	var names []string
	for _, p := range d.packages {
		if p.OverlayTarget != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

// UserRegistry is a packagedb.UserRegistry backed by a static Manifest.
type UserRegistry struct {
	live map[int]bool
	all  map[int]bool
}

// NewUserRegistry constructs a UserRegistry from m.
func NewUserRegistry(m *Manifest) *UserRegistry {
	live := make(map[int]bool)
	all := make(map[int]bool)
	for _, u := range m.Users {
		all[u.ID] = true
		if u.Live {
			live[u.ID] = true
		}
	}
	return &UserRegistry{live: live, all: all}
}

func (u *UserRegistry) ListLiveUsers(_ context.Context) []int {
	return keys(u.live)
}

func (u *UserRegistry) UserIDs(_ context.Context) []int {
	return keys(u.all)
}

func (u *UserRegistry) HasRestriction(_ context.Context, _ int, _ string) bool {
	return false
}

func keys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// LoggingAssetPathPublisher logs every publish it receives instead of
// pushing it anywhere: standing in for the real asset-path publisher a
// host platform would supply.
type LoggingAssetPathPublisher struct {
	Log logr.Logger
}

func (p LoggingAssetPathPublisher) Publish(_ context.Context, userID int, target string, paths []string) error {
	p.Log.Info("asset path publish", "userID", userID, "target", target, "paths", paths)
	return nil
}

// LoggingBroadcastBus logs every broadcast it receives instead of
// announcing it anywhere: standing in for the real host broadcast bus.
type LoggingBroadcastBus struct {
	Log logr.Logger
}

func (b LoggingBroadcastBus) Broadcast(_ context.Context, action packagedb.BroadcastAction, packageOrTarget string, userID int) error {
	b.Log.Info("host broadcast", "action", action, "packageOrTarget", packageOrTarget, "userID", userID)
	return nil
}
