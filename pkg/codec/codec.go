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

package codec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/renameio/v2"
)

// ErrReadFailed wraps any failure to load a prior document: a missing
// file is not this error (it means "no prior state"), but a malformed
// document or an unsupported version is.
var ErrReadFailed = errors.New("codec: read failed")

// ErrPersistenceFailed wraps a failure to commit a document to storage.
var ErrPersistenceFailed = errors.New("codec: persistence failed")

// Codec reads and writes the single persisted document at Path.
type Codec struct {
	Path string
	Log  logr.Logger
}

// New constructs a Codec that persists to path.
func New(path string, log logr.Logger) *Codec {
	return &Codec{Path: path, Log: log.WithName("codec")}
}

// Write encodes snapshot and commits it to Path atomically: the new
// content is written to a sibling temp file, flushed, then renamed over
// the canonical path in one step, so a reader never observes a partial
// document.
func (c *Codec) Write(snapshot Snapshot) error {
	doc := encode(snapshot)
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistenceFailed, err)
	}
	body = append([]byte(xml.Header), body...)

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrPersistenceFailed, err)
	}
	if err := renameio.WriteFile(c.Path, body, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// Restore reads the document at Path and decodes it, keeping only users
// present in liveUsers (the restore policy: records for users that no
// longer exist are dropped silently). A missing file is not an error: it
// is reported as an empty Snapshot, the "no prior state" case. Any other
// read or parse failure, or an unrecognized version attribute, is
// ErrReadFailed, and the caller proceeds with an empty Registry.
func (c *Codec) Restore(liveUsers map[int]bool) (Snapshot, error) {
	body, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}

	var doc document
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("%w: malformed document: %v", ErrReadFailed, err)
	}
	if doc.Version != CurrentVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrReadFailed, doc.Version)
	}

	full := decode(doc)
	restored := make(Snapshot, len(full))
	for userID, targets := range full {
		if !liveUsers[userID] {
			c.Log.V(1).Info("dropping persisted state for user no longer in the user registry", "userID", userID)
			continue
		}
		restored[userID] = targets
	}
	return restored, nil
}
