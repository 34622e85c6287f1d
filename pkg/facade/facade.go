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

// Package facade exposes the public overlay operation surface: reads and
// mutations, authorized against a caller Identity and serialized onto a
// single worker so concurrent callers observe mutations in submission
// order rather than racing each other through the Registry.
package facade

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/client-go/util/workqueue"

	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/overlay"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

type mutationResult struct {
	ok  bool
	err error
}

// Facade is the authorized, serialized entry point onto a Registry.
type Facade struct {
	registry *registry.Registry
	log      logr.Logger
	Metrics  *metrics.Recorder

	queue workqueue.TypedInterface[string]
	mu    sync.Mutex
	jobs  map[string]func() (bool, error)
	waits map[string]chan mutationResult
	done  chan struct{}
}

// New constructs a Facade over reg and starts its mutation worker.
func New(reg *registry.Registry, log logr.Logger, metricsRecorder *metrics.Recorder) *Facade {
	f := &Facade{
		registry: reg,
		log:      log.WithName("facade"),
		Metrics:  metricsRecorder,
		queue:    workqueue.NewTyped[string](),
		jobs:     make(map[string]func() (bool, error)),
		waits:    make(map[string]chan mutationResult),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Close shuts down the mutation worker, waiting for any in-flight job to
// finish. Submitting a mutation after Close panics.
func (f *Facade) Close() {
	f.queue.ShutDown()
	<-f.done
}

func (f *Facade) run() {
	defer close(f.done)
	for {
		id, shutdown := f.queue.Get()
		if shutdown {
			return
		}
		f.mu.Lock()
		job := f.jobs[id]
		wait := f.waits[id]
		delete(f.jobs, id)
		delete(f.waits, id)
		f.mu.Unlock()

		ok, err := job()
		wait <- mutationResult{ok: ok, err: err}
		f.queue.Done(id)
	}
}

// submitMutation enqueues fn for execution on the single mutation worker
// and blocks until it completes. fn is a closure over plain package names
// and booleans only, never over the caller's context or Identity: this is
// the "cleared caller identity" boundary — once authorization has been
// checked, nothing about who asked survives into the committed mutation.
func (f *Facade) submitMutation(fn func() (bool, error)) (bool, error) {
	// workqueue silently drops an Add after shutdown, which would leave the
	// caller waiting forever on a job that never runs.
	if f.queue.ShuttingDown() {
		panic("facade: mutation submitted after Close")
	}
	id := uuid.NewString()
	wait := make(chan mutationResult, 1)

	f.mu.Lock()
	f.jobs[id] = fn
	f.waits[id] = wait
	f.mu.Unlock()

	f.queue.Add(id)
	result := <-wait
	return result.ok, result.err
}

func validateUserID(userID int) error {
	if userID < 0 {
		return fmt.Errorf("%w: userId %d is negative", ErrBadArgument, userID)
	}
	return nil
}

func authorizeRead(id Identity, userID int) error {
	if id.OwnsUser(userID) || id.Has(CapabilityInteractAcrossUsersFull) {
		return nil
	}
	return fmt.Errorf("%w: caller may not read user %d's overlays", ErrPermissionDenied, userID)
}

func authorizeMutation(id Identity) error {
	if id.Has(CapabilityChangeConfiguration) {
		return nil
	}
	return fmt.Errorf("%w: caller lacks ChangeConfiguration", ErrPermissionDenied)
}

// GetAllOverlays returns every target's ordered overlay list for userID.
func (f *Facade) GetAllOverlays(_ context.Context, id Identity, userID int) (map[string][]overlay.OverlayRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if err := authorizeRead(id, userID); err != nil {
		return nil, err
	}
	return f.registry.GetAll(userID), nil
}

// GetOverlaysForTarget returns target's ordered overlay list for userID.
func (f *Facade) GetOverlaysForTarget(_ context.Context, id Identity, target string, userID int) ([]overlay.OverlayRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if err := authorizeRead(id, userID); err != nil {
		return nil, err
	}
	return f.registry.GetByTarget(target, userID, false), nil
}

// GetOverlayInfo returns the record for overlayPackage under userID, or
// nil if none exists.
func (f *Facade) GetOverlayInfo(_ context.Context, id Identity, overlayPackage string, userID int) (*overlay.OverlayRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if err := authorizeRead(id, userID); err != nil {
		return nil, err
	}
	rec, ok := f.registry.Get(overlayPackage, userID)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// SetEnabled requests overlayPackage's enabled bit be set to enable for
// userID. It returns true iff the resulting enabled bit matches the
// request, including when the record was already in that state or is
// ApprovedAlwaysEnabled and enable was true.
func (f *Facade) SetEnabled(_ context.Context, id Identity, overlayPackage string, enable bool, userID int) (bool, error) {
	if err := validateUserID(userID); err != nil {
		f.Metrics.RecordFacadeMutation("SetEnabled", false, err)
		return false, err
	}
	if err := authorizeMutation(id); err != nil {
		f.Metrics.RecordFacadeMutation("SetEnabled", false, err)
		return false, err
	}

	ok, err := f.submitMutation(func() (bool, error) {
		rec, ok := f.registry.Get(overlayPackage, userID)
		if !ok {
			return false, nil
		}
		if rec.State == overlay.StateApprovedAlwaysEnabled {
			return rec.Enabled() == enable, nil
		}

		next := overlay.Toggle(rec.State, enable)
		if next != rec.State {
			rec.State = next
			f.registry.Insert(rec)
		}
		return rec.State.Enabled() == enable, nil
	})
	f.Metrics.RecordFacadeMutation("SetEnabled", ok, err)
	return ok, err
}

// SetPriority repositions overlayPackage immediately after parentPackage
// in userID's list for its target, or at the front if parentPackage is
// empty. It returns false without mutating anything if overlayPackage is
// ApprovedAlwaysEnabled, if either package has no record, or if the
// resulting order would violate the ordering invariant.
func (f *Facade) SetPriority(_ context.Context, id Identity, overlayPackage, parentPackage string, userID int) (bool, error) {
	if err := validateUserID(userID); err != nil {
		f.Metrics.RecordFacadeMutation("SetPriority", false, err)
		return false, err
	}
	if err := authorizeMutation(id); err != nil {
		f.Metrics.RecordFacadeMutation("SetPriority", false, err)
		return false, err
	}

	ok, err := f.submitMutation(func() (bool, error) {
		rec, ok := f.registry.Get(overlayPackage, userID)
		if !ok || rec.State == overlay.StateApprovedAlwaysEnabled {
			return false, nil
		}

		var parent *overlay.OverlayRecord
		if parentPackage != "" {
			p, ok := f.registry.Get(parentPackage, userID)
			if !ok {
				return false, nil
			}
			parent = &p
		}
		return f.registry.ChangePriority(rec, parent), nil
	})
	f.Metrics.RecordFacadeMutation("SetPriority", ok, err)
	return ok, err
}

// SetHighestPriority moves overlayPackage to the tail of its list.
func (f *Facade) SetHighestPriority(_ context.Context, id Identity, overlayPackage string, userID int) (bool, error) {
	if err := validateUserID(userID); err != nil {
		f.Metrics.RecordFacadeMutation("SetHighestPriority", false, err)
		return false, err
	}
	if err := authorizeMutation(id); err != nil {
		f.Metrics.RecordFacadeMutation("SetHighestPriority", false, err)
		return false, err
	}

	ok, err := f.submitMutation(func() (bool, error) {
		rec, ok := f.registry.Get(overlayPackage, userID)
		if !ok || rec.State == overlay.StateApprovedAlwaysEnabled {
			return false, nil
		}
		return f.registry.SetHighestPriority(rec), nil
	})
	f.Metrics.RecordFacadeMutation("SetHighestPriority", ok, err)
	return ok, err
}

// SetLowestPriority moves overlayPackage to the front of its list.
func (f *Facade) SetLowestPriority(_ context.Context, id Identity, overlayPackage string, userID int) (bool, error) {
	if err := validateUserID(userID); err != nil {
		f.Metrics.RecordFacadeMutation("SetLowestPriority", false, err)
		return false, err
	}
	if err := authorizeMutation(id); err != nil {
		f.Metrics.RecordFacadeMutation("SetLowestPriority", false, err)
		return false, err
	}

	ok, err := f.submitMutation(func() (bool, error) {
		rec, ok := f.registry.Get(overlayPackage, userID)
		if !ok || rec.State == overlay.StateApprovedAlwaysEnabled {
			return false, nil
		}
		return f.registry.SetLowestPriority(rec), nil
	})
	f.Metrics.RecordFacadeMutation("SetLowestPriority", ok, err)
	return ok, err
}

// Dump renders a human-readable snapshot of userID's overlays for
// operational debugging, one line per record in list order.
func (f *Facade) Dump(_ context.Context, id Identity, userID int) (string, error) {
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	if err := authorizeRead(id, userID); err != nil {
		return "", err
	}

	targets := f.registry.TargetsForUser(userID)
	var b strings.Builder
	fmt.Fprintf(&b, "overlays for user %d:\n", userID)
	for _, target := range targets {
		list := f.registry.GetByTarget(target, userID, false)
		for i, rec := range list {
			fmt.Fprintf(&b, "  [%d] %s -> %s state=%s enabled=%t\n", i, rec.OverlayPackage, target, rec.State, rec.Enabled())
		}
	}
	return b.String(), nil
}
