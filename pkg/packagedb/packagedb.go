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

// Package packagedb declares the narrow collaborator interfaces this module
// consumes from the host platform, and nothing else: a package database, a
// user registry, an asset-path publisher, and a host broadcast bus. None of
// these are implemented here: pkg/hostmanifest supplies manifest-backed and
// logging-only implementations for standalone runs, and internal/fakes
// supplies in-memory fakes for tests.
package packagedb

import (
	"context"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
)

// SignatureComparison is the result of comparing two packages' signing
// certificates.
type SignatureComparison int

const (
	SignatureUnknown SignatureComparison = iota
	SignatureMatch
	SignatureMismatch
)

// Database is the host package database. All methods must treat an
// unreachable backend as "not installed"/"no data" rather than propagating
// an error: callers degrade to a consistent empty view, per the
// RemoteCallFailed disposition.
type Database interface {
	// GetPackageFacts returns the facts known about name for userID, and
	// false if the package is not installed for that user.
	GetPackageFacts(ctx context.Context, name string, userID int) (overlay.PackageFacts, bool)
	// CheckSignatures compares the signing certificates of two packages.
	CheckSignatures(ctx context.Context, a, b string) SignatureComparison
	// ListOverlayPackages returns every overlay package installed for userID.
	ListOverlayPackages(ctx context.Context, userID int) []string
}

// UserRegistry enumerates end-user accounts on the host.
type UserRegistry interface {
	// ListLiveUsers returns the IDs of users currently running.
	ListLiveUsers(ctx context.Context) []int
	// UserIDs returns every user ID known to the host, live or not.
	UserIDs(ctx context.Context) []int
	// HasRestriction reports whether userID is subject to restriction key.
	HasRestriction(ctx context.Context, userID int, key string) bool
}

// AssetPathPublisher pushes computed overlay search paths into running
// target processes. paths is ordered lowest-to-highest effective priority,
// matching the registry's own list order for that target.
type AssetPathPublisher interface {
	Publish(ctx context.Context, userID int, target string, paths []string) error
}

// BroadcastAction names one of the host broadcast actions this module
// fires on registry changes.
type BroadcastAction string

const (
	BroadcastOverlayAdded      BroadcastAction = "OverlayAdded"
	BroadcastOverlayRemoved    BroadcastAction = "OverlayRemoved"
	BroadcastOverlayChanged    BroadcastAction = "OverlayChanged"
	BroadcastOverlaysReordered BroadcastAction = "OverlaysReordered"
)

// BroadcastBus announces registry changes to the host. packageOrTarget is
// the overlay package name for per-overlay actions, or the target package
// name for BroadcastOverlaysReordered.
type BroadcastBus interface {
	Broadcast(ctx context.Context, action BroadcastAction, packageOrTarget string, userID int) error
}
