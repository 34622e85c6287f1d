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

// Package overlay holds the core value types and the pure rules engine that
// decides whether an overlay is approved, and in what order approved
// overlays win resource conflicts for a given target package and user.
//
// Nothing in this package performs I/O: state derivation takes package facts
// and an id-map predicate as plain arguments, never looking either up
// itself. That keeps it trivially testable and lets every other component
// (Registry, PackageDriver, ServiceFacade) treat it as a deterministic
// function of its inputs.
package overlay

import "fmt"

// ApprovalState is the tagged enumeration of reasons an overlay is or is not
// admissible. Exactly one value applies to an OverlayRecord at a time.
type ApprovalState int

const (
	// StateApprovedAlwaysEnabled marks a system-supplied overlay that is
	// always active and cannot be disabled.
	StateApprovedAlwaysEnabled ApprovalState = iota + 1
	// StateApprovedEnabled marks a user-controlled overlay, currently active.
	StateApprovedEnabled
	// StateApprovedDisabled marks a user-controlled overlay, currently inactive.
	StateApprovedDisabled
	// StateNotApprovedComponentDisabled marks an overlay disabled at the
	// package level.
	StateNotApprovedComponentDisabled
	// StateNotApprovedMissingTarget marks an overlay whose target package is
	// not installed for the user.
	StateNotApprovedMissingTarget
	// StateNotApprovedNoIdmap marks an overlay with no id-map file, meaning
	// no overlapping resources were found.
	StateNotApprovedNoIdmap
	// StateNotApprovedDangerousOverlay marks an overlay whose id-map exists
	// but touches resources the target did not mark overlayable, with no
	// matching signature to vouch for it.
	StateNotApprovedDangerousOverlay
)

// String renders the state for logs and dumps.
func (s ApprovalState) String() string {
	switch s {
	case StateApprovedAlwaysEnabled:
		return "ApprovedAlwaysEnabled"
	case StateApprovedEnabled:
		return "ApprovedEnabled"
	case StateApprovedDisabled:
		return "ApprovedDisabled"
	case StateNotApprovedComponentDisabled:
		return "NotApprovedComponentDisabled"
	case StateNotApprovedMissingTarget:
		return "NotApprovedMissingTarget"
	case StateNotApprovedNoIdmap:
		return "NotApprovedNoIdmap"
	case StateNotApprovedDangerousOverlay:
		return "NotApprovedDangerousOverlay"
	default:
		return fmt.Sprintf("ApprovalState(%d)", int(s))
	}
}

// Enabled reports whether an overlay in this state participates in resource
// lookup.
func (s ApprovalState) Enabled() bool {
	return s == StateApprovedAlwaysEnabled || s == StateApprovedEnabled
}

// Approved reports whether an overlay in this state passed all preconditions
// to be usable, whether or not it is currently enabled.
func (s ApprovalState) Approved() bool {
	switch s {
	case StateApprovedAlwaysEnabled, StateApprovedEnabled, StateApprovedDisabled:
		return true
	default:
		return false
	}
}

// OverlayRecord is an immutable value describing one overlay package's
// relationship to one target package for one user. Every mutation produces
// a new OverlayRecord rather than editing one in place.
//
// IsSystem and RequestedOverlayPriority are denormalized from the
// PackageFacts that were in effect when the record was created or last
// reconciled: Rules.InsertIndex and Rules.VerifyOrder operate purely on
// []OverlayRecord, and the Registry does not keep a side-table back to the
// package database, so the ordering-relevant facts travel with the record.
type OverlayRecord struct {
	OverlayPackage           string
	TargetPackage            string
	BaseCodePath             string
	State                    ApprovalState
	UserID                   int
	IsSystem                 bool
	RequestedOverlayPriority int
}

// Enabled reports whether this record currently participates in resource
// lookup.
func (r OverlayRecord) Enabled() bool {
	return r.State.Enabled()
}

// PackageFacts is a read-only snapshot fetched from the external package
// database. OverlayTarget is empty for packages that are not overlays.
type PackageFacts struct {
	PackageName              string
	OverlayTarget            string
	BaseCodePath             string
	ComponentEnabled         bool
	IsSystem                 bool
	RequestedOverlayPriority int
	SignatureMatchesTarget   bool
}

// IsOverlay reports whether these facts describe an overlay package.
func (f PackageFacts) IsOverlay() bool {
	return f.OverlayTarget != ""
}
