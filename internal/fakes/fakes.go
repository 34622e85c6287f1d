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

// Package fakes holds hand-written, in-memory stand-ins for the narrow
// collaborator interfaces declared in pkg/packagedb. They exist for tests
// only: nothing under cmd/ constructs one.
package fakes

import (
	"context"
	"sync"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/packagedb"
)

// Database is an in-memory packagedb.Database. Facts are keyed by
// (packageName, userID); missing entries behave as "not installed".
type Database struct {
	mu         sync.Mutex
	facts      map[databaseKey]overlay.PackageFacts
	signatures map[[2]string]packagedb.SignatureComparison
}

type databaseKey struct {
	name   string
	userID int
}

// NewDatabase constructs an empty fake package database.
func NewDatabase() *Database {
	return &Database{
		facts:      make(map[databaseKey]overlay.PackageFacts),
		signatures: make(map[[2]string]packagedb.SignatureComparison),
	}
}

// Install records that name is installed for userID with the given facts.
func (d *Database) Install(userID int, facts overlay.PackageFacts) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.facts[databaseKey{facts.PackageName, userID}] = facts
}

// Uninstall removes name from userID's installed set.
func (d *Database) Uninstall(userID int, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.facts, databaseKey{name, userID})
}

// SetSignatureComparison fixes the result CheckSignatures(a, b) returns.
func (d *Database) SetSignatureComparison(a, b string, result packagedb.SignatureComparison) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signatures[[2]string{a, b}] = result
	d.signatures[[2]string{b, a}] = result
}

func (d *Database) GetPackageFacts(_ context.Context, name string, userID int) (overlay.PackageFacts, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.facts[databaseKey{name, userID}]
	return f, ok
}

func (d *Database) CheckSignatures(_ context.Context, a, b string) packagedb.SignatureComparison {
	d.mu.Lock()
	defer d.mu.Unlock()
	if result, ok := d.signatures[[2]string{a, b}]; ok {
		return result
	}
	return packagedb.SignatureUnknown
}

func (d *Database) ListOverlayPackages(_ context.Context, userID int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for k, f := range d.facts {
		if k.userID == userID && f.IsOverlay() {
			names = append(names, f.PackageName)
		}
	}
	return names
}

// UserRegistry is an in-memory packagedb.UserRegistry.
type UserRegistry struct {
	mu           sync.Mutex
	live         map[int]bool
	all          map[int]bool
	restrictions map[[2]any]bool
}

// NewUserRegistry constructs a fake user registry with no users.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		live:         make(map[int]bool),
		all:          make(map[int]bool),
		restrictions: make(map[[2]any]bool),
	}
}

// AddUser registers userID as known; live additionally marks it running.
func (u *UserRegistry) AddUser(userID int, live bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.all[userID] = true
	if live {
		u.live[userID] = true
	}
}

// RemoveUser drops userID entirely, as if the account had been deleted.
func (u *UserRegistry) RemoveUser(userID int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.all, userID)
	delete(u.live, userID)
}

func (u *UserRegistry) ListLiveUsers(_ context.Context) []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	var ids []int
	for id := range u.live {
		ids = append(ids, id)
	}
	return ids
}

func (u *UserRegistry) UserIDs(_ context.Context) []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	var ids []int
	for id := range u.all {
		ids = append(ids, id)
	}
	return ids
}

func (u *UserRegistry) HasRestriction(_ context.Context, userID int, key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.restrictions[[2]any{userID, key}]
}

// AssetPathPublisher is an in-memory packagedb.AssetPathPublisher that
// records every call it receives, for test assertions.
type AssetPathPublisher struct {
	mu    sync.Mutex
	Calls []PublishCall
	Err   error
}

// PublishCall is one recorded invocation of Publish.
type PublishCall struct {
	UserID int
	Target string
	Paths  []string
}

func NewAssetPathPublisher() *AssetPathPublisher {
	return &AssetPathPublisher{}
}

func (p *AssetPathPublisher) Publish(_ context.Context, userID int, target string, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, PublishCall{UserID: userID, Target: target, Paths: append([]string(nil), paths...)})
	return p.Err
}

// BroadcastBus is an in-memory packagedb.BroadcastBus that records every
// call it receives.
type BroadcastBus struct {
	mu    sync.Mutex
	Calls []BroadcastCall
	Err   error
}

// BroadcastCall is one recorded invocation of Broadcast.
type BroadcastCall struct {
	Action          packagedb.BroadcastAction
	PackageOrTarget string
	UserID          int
}

func NewBroadcastBus() *BroadcastBus {
	return &BroadcastBus{}
}

func (b *BroadcastBus) Broadcast(_ context.Context, action packagedb.BroadcastAction, packageOrTarget string, userID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, BroadcastCall{Action: action, PackageOrTarget: packageOrTarget, UserID: userID})
	return b.Err
}
