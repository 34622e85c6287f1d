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

package registry

import "github.com/nextdoor/overlaymgr/pkg/overlay"

// EventKind tags the shape of a change Event.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventChanged
	EventRemoved
	EventReordered
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "Added"
	case EventChanged:
		return "Changed"
	case EventRemoved:
		return "Removed"
	case EventReordered:
		return "Reordered"
	default:
		return "Unknown"
	}
}

// Event describes one committed Registry mutation. Listeners receive events
// strictly after the mutation's lock has been released, in commit order,
// and must never call back into a Registry mutator synchronously.
//
// For EventAdded, New is populated and Old is the zero value. For
// EventChanged, both are populated. For EventRemoved, Old is populated and
// New is the zero value. For EventReordered, neither is populated: the
// event carries the target package, not an individual overlay, since a
// reorder can move more than one record within the same list.
type Event struct {
	Kind   EventKind
	New    overlay.OverlayRecord
	Old    overlay.OverlayRecord
	Target string
	UserID int
}

// Listener receives committed change events. A listener must not block for
// long: it runs synchronously on the goroutine that committed the mutation,
// after the Registry lock has already been released.
type Listener func(Event)
