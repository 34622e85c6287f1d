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

// Package registry is the thread-safe, in-memory store of overlay records:
// a mapping from user to target package to a priority-ordered list of
// overlay.OverlayRecord. It is the only place ordering and uniqueness
// invariants are enforced across a whole list; pkg/overlay's Rules package
// supplies the pure decisions this package commits.
package registry

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
)

// Registry holds the live overlay state for every user. All exported
// methods are safe under concurrent use. Reads return defensive copies;
// nothing returned aliases Registry-owned memory. Writes are serialized by
// a single exclusive lock; change notifications are delivered after the
// lock is released.
type Registry struct {
	mu    sync.RWMutex
	users map[int]map[string][]overlay.OverlayRecord

	listenersMu sync.Mutex
	listeners   []Listener

	guard reentrancyGuard
	log   logr.Logger
}

// New constructs an empty Registry.
func New(log logr.Logger) *Registry {
	return &Registry{
		users: make(map[int]map[string][]overlay.OverlayRecord),
		log:   log.WithName("registry"),
	}
}

// Subscribe registers listener to receive every future change event. It
// returns an unsubscribe function. Listeners registered this way receive
// events in commit order, fanned out with no per-event filter.
func (r *Registry) Subscribe(listener Listener) (unsubscribe func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
	idx := len(r.listeners) - 1
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		r.listeners[idx] = nil
	}
}

func (r *Registry) dispatch(events ...Event) {
	if len(events) == 0 {
		return
	}
	r.listenersMu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			if l == nil {
				continue
			}
			l(ev)
		}
	}
}

// Insert commits record into its (userId, targetPackage) list. If a record
// with the same overlayPackage already exists, it is replaced in place
// (same position) and an EventChanged fires; otherwise it is placed at
// overlay.InsertIndex and an EventAdded fires.
func (r *Registry) Insert(record overlay.OverlayRecord) {
	r.guard.enter()
	r.mu.Lock()
	r.guard.acquired()

	target := r.targetMap(record.UserID)
	list := target[record.TargetPackage]

	var event Event
	if i := indexOf(list, record.OverlayPackage); i >= 0 {
		old := list[i]
		list[i] = record
		event = Event{Kind: EventChanged, New: record, Old: old, Target: record.TargetPackage, UserID: record.UserID}
	} else {
		idx := overlay.InsertIndex(record, list)
		list = append(list, overlay.OverlayRecord{})
		copy(list[idx+1:], list[idx:])
		list[idx] = record
		event = Event{Kind: EventAdded, New: record, Target: record.TargetPackage, UserID: record.UserID}
	}
	overlay.AssertConsistent(list)
	target[record.TargetPackage] = list

	r.guard.release()
	r.mu.Unlock()

	r.dispatch(event)
}

// Remove deletes the record identified by (overlayPackage, userId), if
// present, collapsing empty sub-mappings. It reports whether a record was
// found.
func (r *Registry) Remove(overlayPackage string, userID int) bool {
	r.guard.enter()
	r.mu.Lock()
	r.guard.acquired()

	targets, ok := r.users[userID]
	if !ok {
		r.guard.release()
		r.mu.Unlock()
		return false
	}

	var event Event
	found := false
	for target, list := range targets {
		if i := indexOf(list, overlayPackage); i >= 0 {
			old := list[i]
			remaining := append(append([]overlay.OverlayRecord(nil), list[:i]...), list[i+1:]...)
			if len(remaining) == 0 {
				delete(targets, target)
			} else {
				targets[target] = remaining
			}
			if len(targets) == 0 {
				delete(r.users, userID)
			}
			event = Event{Kind: EventRemoved, Old: old, Target: target, UserID: userID}
			found = true
			break
		}
	}

	r.guard.release()
	r.mu.Unlock()

	if found {
		r.dispatch(event)
	}
	return found
}

// RemoveAllForUser drops every record for userID in one step. No per-record
// events are emitted, matching the bulk nature of a user being torn down.
func (r *Registry) RemoveAllForUser(userID int) {
	r.guard.enter()
	r.mu.Lock()
	r.guard.acquired()
	delete(r.users, userID)
	r.guard.release()
	r.mu.Unlock()
}

// ChangePriority repositions record within its (userId, targetPackage) list
// so that it lands immediately after parent, or at the front if parent is
// nil. The candidate ordering is validated with overlay.VerifyOrder before
// it is committed; an invalid candidate is rejected and the list is left
// unchanged. Returns whether the operation succeeded (including the
// trivial case where the result is identical to the current order).
func (r *Registry) ChangePriority(record overlay.OverlayRecord, parent *overlay.OverlayRecord) bool {
	r.guard.enter()
	r.mu.Lock()
	r.guard.acquired()

	target := r.targetMap(record.UserID)
	list := target[record.TargetPackage]

	i := indexOf(list, record.OverlayPackage)
	if i < 0 {
		r.guard.release()
		r.mu.Unlock()
		return false
	}

	without := append(append([]overlay.OverlayRecord(nil), list[:i]...), list[i+1:]...)

	insertAt := 0
	if parent != nil {
		pi := indexOf(without, parent.OverlayPackage)
		if pi < 0 {
			r.guard.release()
			r.mu.Unlock()
			return false
		}
		insertAt = pi + 1
	}

	candidate := make([]overlay.OverlayRecord, 0, len(without)+1)
	candidate = append(candidate, without[:insertAt]...)
	candidate = append(candidate, list[i])
	candidate = append(candidate, without[insertAt:]...)

	if !overlay.VerifyOrder(candidate) {
		r.guard.release()
		r.mu.Unlock()
		return false
	}
	overlay.AssertConsistent(candidate)

	sameOrder := sameRecordOrder(list, candidate)
	target[record.TargetPackage] = candidate

	r.guard.release()
	r.mu.Unlock()

	if !sameOrder {
		r.dispatch(Event{Kind: EventReordered, Target: record.TargetPackage, UserID: record.UserID})
	}
	return true
}

// SetHighestPriority moves record to the tail of its list: the position of
// highest effective priority. It is a no-op success if record is already
// at the tail.
func (r *Registry) SetHighestPriority(record overlay.OverlayRecord) bool {
	r.mu.RLock()
	list := r.targetMap(record.UserID)[record.TargetPackage]
	var tail *overlay.OverlayRecord
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].OverlayPackage != record.OverlayPackage {
			t := list[i]
			tail = &t
			break
		}
	}
	r.mu.RUnlock()
	return r.ChangePriority(record, tail)
}

// SetLowestPriority moves record to the front of its list.
func (r *Registry) SetLowestPriority(record overlay.OverlayRecord) bool {
	return r.ChangePriority(record, nil)
}

// Get returns a copy of the record identified by (overlayPackage, userId),
// and whether it was found.
func (r *Registry) Get(overlayPackage string, userID int) (overlay.OverlayRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.users[userID] {
		if i := indexOf(list, overlayPackage); i >= 0 {
			return list[i], true
		}
	}
	return overlay.OverlayRecord{}, false
}

// GetByTarget returns a defensive copy of the ordered list of records for
// (target, userId). If enabledOnly is true, only enabled records are
// included, still in list order.
func (r *Registry) GetByTarget(target string, userID int, enabledOnly bool) []overlay.OverlayRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.targetMapRLocked(userID)[target]
	out := make([]overlay.OverlayRecord, 0, len(list))
	for _, rec := range list {
		if enabledOnly && !rec.Enabled() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// GetAll returns a defensive copy of every target's list for userId.
func (r *Registry) GetAll(userID int) map[string][]overlay.OverlayRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]overlay.OverlayRecord, len(r.users[userID]))
	for target, list := range r.users[userID] {
		out[target] = append([]overlay.OverlayRecord(nil), list...)
	}
	return out
}

// TargetsForUser returns the sorted set of target packages with at least
// one overlay record for userId.
func (r *Registry) TargetsForUser(userID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]string, 0, len(r.users[userID]))
	for target := range r.users[userID] {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

// Snapshot returns a deep defensive copy of every user's state, for
// handing to the persistence codec. It never aliases Registry-owned memory.
func (r *Registry) Snapshot() map[int]map[string][]overlay.OverlayRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]map[string][]overlay.OverlayRecord, len(r.users))
	for userID, targets := range r.users {
		targetsCopy := make(map[string][]overlay.OverlayRecord, len(targets))
		for target, list := range targets {
			targetsCopy[target] = append([]overlay.OverlayRecord(nil), list...)
		}
		out[userID] = targetsCopy
	}
	return out
}

// LoadSnapshot replaces the Registry's entire state wholesale with data,
// for use at boot before any listener is registered. Unlike Insert/Remove,
// it fires no per-record events: it is bulk state loading, not a sequence
// of observed mutations.
func (r *Registry) LoadSnapshot(data map[int]map[string][]overlay.OverlayRecord) {
	r.guard.enter()
	r.mu.Lock()
	r.guard.acquired()
	defer func() {
		r.guard.release()
		r.mu.Unlock()
	}()

	users := make(map[int]map[string][]overlay.OverlayRecord, len(data))
	for userID, targets := range data {
		targetsCopy := make(map[string][]overlay.OverlayRecord, len(targets))
		for target, list := range targets {
			overlay.AssertConsistent(list)
			targetsCopy[target] = append([]overlay.OverlayRecord(nil), list...)
		}
		users[userID] = targetsCopy
	}
	r.users = users
}

// targetMap returns (creating if absent) the per-target map for userID.
// Callers must hold the write lock.
func (r *Registry) targetMap(userID int) map[string][]overlay.OverlayRecord {
	targets, ok := r.users[userID]
	if !ok {
		targets = make(map[string][]overlay.OverlayRecord)
		r.users[userID] = targets
	}
	return targets
}

// targetMapRLocked returns the per-target map for userID without creating
// it. Callers must hold at least the read lock.
func (r *Registry) targetMapRLocked(userID int) map[string][]overlay.OverlayRecord {
	return r.users[userID]
}

func indexOf(list []overlay.OverlayRecord, overlayPackage string) int {
	for i, rec := range list {
		if rec.OverlayPackage == overlayPackage {
			return i
		}
	}
	return -1
}

func sameRecordOrder(a, b []overlay.OverlayRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].OverlayPackage != b[i].OverlayPackage {
			return false
		}
	}
	return true
}
