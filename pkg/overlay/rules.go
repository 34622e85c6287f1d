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

package overlay

import (
	"errors"
	"fmt"
)

// ErrArgumentMismatch is returned by DeriveState when the previous record
// does not describe the same overlay package and user as the fresh facts.
var ErrArgumentMismatch = errors.New("overlay: package or user mismatch between previous record and facts")

// InvariantViolation is the panic value raised by AssertConsistent. It
// indicates a programmer error: a list was built in a way the Registry
// should never allow.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("overlay: invariant violation: %s", e.Reason)
}

// DeriveState computes an overlay's ApprovalState from fresh package facts
// and a predicate on its id-map. Checks are evaluated in order; the first
// match wins.
//
// prev, if non-nil, must describe the same overlay package and user as pkg;
// otherwise DeriveState returns ErrArgumentMismatch rather than silently
// deriving a state for the wrong record. If prev was ApprovedEnabled or
// ApprovedDisabled and the freshly derived state is also approved-and-
// togglable, prev's state wins verbatim: a user's explicit enable survives
// pure re-derivation instead of resetting to ApprovedDisabled every time
// facts are refreshed. Any other transition (into or out of an unapproved
// or always-enabled state) uses the freshly derived value.
func DeriveState(prev *OverlayRecord, pkg PackageFacts, userID int, targetInstalled, idmapExists, idmapDangerous bool) (ApprovalState, error) {
	if prev != nil {
		if prev.OverlayPackage != pkg.PackageName || prev.UserID != userID {
			return 0, ErrArgumentMismatch
		}
	}

	var derived ApprovalState
	switch {
	case !pkg.ComponentEnabled:
		derived = StateNotApprovedComponentDisabled
	case !targetInstalled:
		derived = StateNotApprovedMissingTarget
	case !idmapExists:
		derived = StateNotApprovedNoIdmap
	case pkg.IsSystem:
		derived = StateApprovedAlwaysEnabled
	case pkg.SignatureMatchesTarget:
		derived = StateApprovedDisabled
	case !idmapDangerous:
		derived = StateApprovedDisabled
	default:
		derived = StateNotApprovedDangerousOverlay
	}

	if prev != nil && isEnabledOrDisabled(prev.State) && isEnabledOrDisabled(derived) {
		return prev.State, nil
	}
	return derived, nil
}

func isEnabledOrDisabled(s ApprovalState) bool {
	return s == StateApprovedEnabled || s == StateApprovedDisabled
}

// Toggle computes the ApprovalState resulting from a user enable/disable
// request. Requests against any state other than
// ApprovedEnabled/ApprovedDisabled are ignored: the returned state equals
// current, and the caller observes "no change".
func Toggle(current ApprovalState, enable bool) ApprovalState {
	switch current {
	case StateApprovedEnabled, StateApprovedDisabled:
		if enable {
			return StateApprovedEnabled
		}
		return StateApprovedDisabled
	default:
		return current
	}
}

// InsertIndex computes where a record should land in an already-ordered
// list. Non-system overlays always append at the tail.
// System overlays walk forward past every leading system record whose
// RequestedOverlayPriority is less than or equal to the inserted record's,
// landing just before the first system record with a strictly greater
// priority, or before the first non-system record, or at the tail.
func InsertIndex(record OverlayRecord, list []OverlayRecord) int {
	if !record.IsSystem {
		return len(list)
	}
	i := 0
	for i < len(list) && list[i].IsSystem && list[i].RequestedOverlayPriority <= record.RequestedOverlayPriority {
		i++
	}
	return i
}

// VerifyOrder reports whether list satisfies the ordering invariant: every
// system record precedes every non-system record, and consecutive system
// records are non-decreasing in RequestedOverlayPriority. Lists of length 0
// or 1 are always valid.
func VerifyOrder(list []OverlayRecord) bool {
	if len(list) <= 1 {
		return true
	}
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		if prev.IsSystem && !cur.IsSystem {
			continue // system-to-nonsystem boundary, always fine
		}
		if !prev.IsSystem && cur.IsSystem {
			return false // non-system cannot precede a system record
		}
		if prev.IsSystem && cur.IsSystem && cur.RequestedOverlayPriority < prev.RequestedOverlayPriority {
			return false
		}
	}
	return true
}

// AssertConsistent panics with an *InvariantViolation if list mixes records
// from more than one (userId, targetPackage) pair. This is a programmer
// error: the Registry must never construct such a list.
func AssertConsistent(list []OverlayRecord) {
	if len(list) == 0 {
		return
	}
	want := list[0]
	for _, r := range list[1:] {
		if r.UserID != want.UserID || r.TargetPackage != want.TargetPackage {
			panic(&InvariantViolation{Reason: fmt.Sprintf(
				"list mixes (user=%d,target=%s) with (user=%d,target=%s)",
				want.UserID, want.TargetPackage, r.UserID, r.TargetPackage,
			)})
		}
	}
}
