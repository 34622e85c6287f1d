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

// Package codec serializes the Registry's state to and from a single
// structured document on stable storage, and drives the background worker
// that writes it atomically and coalesces bursts of writes.
package codec

import (
	"encoding/xml"

	"github.com/nextdoor/overlaymgr/pkg/overlay"
)

// CurrentVersion is the only document version this codec knows how to
// read or write. It is frozen: a future format change must introduce a new
// version number and migration path rather than mutate this one's meaning.
const CurrentVersion = 1

// document is the on-disk shape: one node per user, per target, per
// overlay. Numeric attributes are decimal integers; state is the stable,
// frozen numeric tag of overlay.ApprovalState.
type document struct {
	XMLName xml.Name   `xml:"overlays"`
	Version int        `xml:"version,attr"`
	Users   []userNode `xml:"user"`
}

type userNode struct {
	ID      int          `xml:"id,attr"`
	Targets []targetNode `xml:"target"`
}

type targetNode struct {
	Name     string        `xml:"name,attr"`
	Overlays []overlayNode `xml:"overlay"`
}

type overlayNode struct {
	Name  string `xml:"name,attr"`
	Path  string `xml:"path,attr"`
	State int    `xml:"state,attr"`
}

// Snapshot is the in-memory shape a Codec encodes from and decodes into:
// user id -> target package -> ordered overlay records, exactly the shape
// registry.Registry.Snapshot/LoadSnapshot exchange.
type Snapshot map[int]map[string][]overlay.OverlayRecord

func encode(snapshot Snapshot) document {
	doc := document{Version: CurrentVersion}
	for userID, targets := range snapshot {
		un := userNode{ID: userID}
		for target, list := range targets {
			tn := targetNode{Name: target}
			for _, rec := range list {
				tn.Overlays = append(tn.Overlays, overlayNode{
					Name:  rec.OverlayPackage,
					Path:  rec.BaseCodePath,
					State: int(rec.State),
				})
			}
			un.Targets = append(un.Targets, tn)
		}
		doc.Users = append(doc.Users, un)
	}
	return doc
}

func decode(doc document) Snapshot {
	snapshot := make(Snapshot, len(doc.Users))
	for _, un := range doc.Users {
		targets := make(map[string][]overlay.OverlayRecord, len(un.Targets))
		for _, tn := range un.Targets {
			list := make([]overlay.OverlayRecord, 0, len(tn.Overlays))
			for _, on := range tn.Overlays {
				list = append(list, overlay.OverlayRecord{
					OverlayPackage: on.Name,
					TargetPackage:  tn.Name,
					BaseCodePath:   on.Path,
					State:          overlay.ApprovalState(on.State),
					UserID:         un.ID,
				})
			}
			targets[tn.Name] = list
		}
		snapshot[un.ID] = targets
	}
	return snapshot
}
