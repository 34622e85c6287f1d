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
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// persistSlot is the single key ever added to a Worker's queue. Adding it
// while one is already pending or being processed does not grow the
// queue: workqueue dedupes identical items, so a burst of mutations
// coalesces into the single next write, and the last committed state
// always wins.
const persistSlot = "state"

// Source supplies the snapshot a Worker should persist on its next run.
// It is called on the worker's own goroutine, never concurrently with
// itself.
type Source func() Snapshot

// Worker drives a single-consumer background loop that writes whatever
// Source currently returns, whenever Enqueue is called. At most one write
// is ever in flight; a write failure is logged and never surfaced to the
// caller that triggered it, per the persistence failure disposition.
type Worker struct {
	codec  *Codec
	source Source
	queue  workqueue.TypedInterface[string]
	log    logr.Logger
	done   chan struct{}
}

// NewWorker constructs a Worker that persists via codec, pulling snapshots
// from source.
func NewWorker(codec *Codec, source Source, log logr.Logger) *Worker {
	return &Worker{
		codec:  codec,
		source: source,
		queue:  workqueue.NewTyped[string](),
		log:    log.WithName("codec-worker"),
		done:   make(chan struct{}),
	}
}

// Run processes queued persist requests until the queue is shut down. It
// is meant to be called on its own goroutine; Run returns once Stop has
// drained any final pending write.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		item, shutdown := w.queue.Get()
		if shutdown {
			return
		}
		w.persistOnce()
		w.queue.Done(item)
	}
}

func (w *Worker) persistOnce() {
	snapshot := w.source()
	if err := w.codec.Write(snapshot); err != nil {
		w.log.Error(err, "persistence write failed; in-memory state remains authoritative")
	}
}

// Enqueue requests a persistence pass. It is safe to call from any
// goroutine, including concurrently with itself; repeated calls before
// the worker catches up coalesce into one write of the latest snapshot.
func (w *Worker) Enqueue() {
	w.queue.Add(persistSlot)
}

// Stop shuts the worker down, draining any already-queued write so the
// latest state is flushed before Run returns, then blocks until Run has
// exited.
func (w *Worker) Stop() {
	w.queue.ShutDownWithDrain()
	<-w.done
}
