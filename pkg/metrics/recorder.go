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

package metrics

import "time"

// Recorder is the instrumentation surface handed to the driver, idmap,
// facade, and orchestrator packages, so call sites never touch the package-level vectors
// directly. A disabled Recorder discards every observation, which is what
// tests that don't care about metrics ask for.
type Recorder struct {
	disabled bool
}

// NewRecorder returns a Recorder. When disabled is true every method is a
// no-op, for tests and command invocations that don't want to perturb the
// shared vectors.
func NewRecorder(disabled bool) *Recorder {
	return &Recorder{disabled: disabled}
}

// ReconciliationTimer starts timing a reconciliation pass and returns a
// func to call when it completes, recording both the duration and the
// outcome.
func (r *Recorder) ReconciliationTimer() func(err error) {
	if r.disabled {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		ReconciliationDuration.Observe(time.Since(start).Seconds())
		status := StatusSuccess
		if err != nil {
			status = StatusError
		}
		ReconciliationTotal.WithLabelValues(status).Inc()
	}
}

// RecordRegistryEvent records a Registry change event of the given kind
// (one of the Event* constants).
func (r *Recorder) RecordRegistryEvent(kind string) {
	if r.disabled {
		return
	}
	RegistryEventsTotal.WithLabelValues(kind).Inc()
}

// SetOverlaysByState sets the current count of overlay records in the
// given approval state. Callers recompute this from scratch on every
// Registry mutation rather than incrementing/decrementing, since overlays
// move between states far more often than they're created or destroyed.
func (r *Recorder) SetOverlaysByState(state string, count int) {
	if r.disabled {
		return
	}
	OverlaysByState.WithLabelValues(state).Set(float64(count))
}

// RecordIdmapOperation records the outcome of an id-map tool invocation.
func (r *Recorder) RecordIdmapOperation(operation string, err error) {
	if r.disabled {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	IdmapOperationsTotal.WithLabelValues(operation, status).Inc()
}

// PersistenceWriteTimer starts timing a state codec write and returns a
// func to call when it completes, recording both the duration and, on
// failure, incrementing the failure counter.
func (r *Recorder) PersistenceWriteTimer() func(err error) {
	if r.disabled {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		PersistenceWriteDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			PersistenceFailuresTotal.Inc()
		}
	}
}

// RecordBroadcastFailure records a failed host broadcast for the given
// broadcast subject: the overlay package for per-overlay actions, the
// target package for a reorder.
func (r *Recorder) RecordBroadcastFailure(target string) {
	if r.disabled {
		return
	}
	BroadcastFailuresTotal.WithLabelValues(target).Inc()
}

// SetInfo publishes daemon version information as a constant gauge.
func (r *Recorder) SetInfo(version string) {
	if r.disabled {
		return
	}
	Info.Reset()
	Info.WithLabelValues(version).Set(1)
}

// RecordFacadeMutation records the outcome of a ServiceFacade mutation
// call: applied (the requested end state was reached), noop (the call
// returned cleanly but changed nothing), or error (rejected by
// authorization or argument validation).
func (r *Recorder) RecordFacadeMutation(operation string, applied bool, err error) {
	if r.disabled {
		return
	}
	outcome := FacadeOutcomeApplied
	switch {
	case err != nil:
		outcome = FacadeOutcomeError
	case !applied:
		outcome = FacadeOutcomeNoop
	}
	FacadeMutationsTotal.WithLabelValues(operation, outcome).Inc()
}
