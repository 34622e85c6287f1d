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

package facade

// Capability names a permission a caller must hold to perform a
// cross-user read or any mutation.
type Capability string

const (
	// CapabilityInteractAcrossUsersFull lets a caller read another user's
	// overlays.
	CapabilityInteractAcrossUsersFull Capability = "InteractAcrossUsersFull"
	// CapabilityChangeConfiguration lets a caller mutate any user's
	// overlays.
	CapabilityChangeConfiguration Capability = "ChangeConfiguration"
)

// Identity describes the caller an operation is authorized on behalf of.
// System identities bypass every capability and ownership check: this is
// the trusted identity the daemon itself uses for its own reconciliation
// work, never one a remote caller can assume.
type Identity struct {
	UserID       int
	Capabilities map[Capability]bool
	System       bool
}

// Has reports whether the identity holds capability, short-circuiting true
// for the system identity.
func (id Identity) Has(capability Capability) bool {
	return id.System || id.Capabilities[capability]
}

// OwnsUser reports whether id may act on behalf of userID without the
// cross-user capability: either the identity is the system, or userID is
// id's own.
func (id Identity) OwnsUser(userID int) bool {
	return id.System || id.UserID == userID
}
