// Package writequeue applies vehicle status updates to a cache one at a time, in the order they
// were received.
package writequeue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/internal/worker"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// Store is the durable cache that status updates are written to. Apply is never called
// concurrently by a WriteQueue.
type Store interface {
	Apply(ctx context.Context, update *protocol.StatusUpdate) (*protocol.VehicleStatus, error)
}

// Completion is invoked after each write. status is nil if the write failed, in which case fields
// is empty.
type Completion func(status *protocol.VehicleStatus, fields protocol.UpdateTypes, vin string)

// WriteQueue serializes cache writes onto a single worker.
type WriteQueue struct {
	store      Store
	completion Completion
	queue      *worker.Queue
	ctx        context.Context
	cancel     context.CancelFunc
	failures   prometheus.Counter
}

// New creates a WriteQueue and starts its worker. If reg is non-nil, queue metrics are registered
// with it.
func New(store Store, completion Completion, reg prometheus.Registerer) (*WriteQueue, error) {
	var opts []worker.Option
	if reg != nil {
		opts = append(opts, worker.WithMetrics(reg))
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &WriteQueue{
		store:      store,
		completion: completion,
		queue:      worker.NewQueue("cache-writes", opts...),
		ctx:        ctx,
		cancel:     cancel,
	}
	if reg != nil {
		w.failures = worker.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_session_cache_write_failures_total",
			Help: "Status updates that could not be written to the cache",
		}))
	}
	if err := w.queue.Start(); err != nil {
		cancel()
		return nil, err
	}
	return w, nil
}

// Enqueue schedules update to be written. done, if non-nil, runs after the completion callback
// whether or not the write succeeded.
func (w *WriteQueue) Enqueue(update *protocol.StatusUpdate, done func()) {
	w.EnqueueBatch([]*protocol.StatusUpdate{update}, done)
}

// EnqueueBatch schedules updates to be written in order. done is attached to the last update only,
// so a batch triggers it exactly once.
func (w *WriteQueue) EnqueueBatch(updates []*protocol.StatusUpdate, done func()) {
	if len(updates) == 0 {
		if done != nil {
			w.submit(done)
		}
		return
	}
	for i, update := range updates {
		update := update
		var after func()
		if i == len(updates)-1 {
			after = done
		}
		w.submit(func() { w.write(update, after) })
	}
}

func (w *WriteQueue) submit(task func()) {
	if err := w.queue.Submit(task); err != nil {
		log.Warning("Dropping cache write: %s", err)
	}
}

func (w *WriteQueue) write(update *protocol.StatusUpdate, done func()) {
	if done != nil {
		defer done()
	}
	status, err := w.store.Apply(w.ctx, update)
	if err != nil {
		log.Error("[%s] failed to write status update %d: %s", update.VIN, update.SequenceNumber, err)
		if w.failures != nil {
			w.failures.Inc()
		}
		w.completion(nil, 0, update.VIN)
		return
	}
	w.completion(status, update.AffectedTypes(), update.VIN)
}

// Len returns the number of writes waiting to run.
func (w *WriteQueue) Len() int {
	return w.queue.Len()
}

// Stop waits up to timeout for queued writes to finish and rejects further writes.
func (w *WriteQueue) Stop(timeout time.Duration) error {
	defer w.cancel()
	return w.queue.Stop(timeout)
}
