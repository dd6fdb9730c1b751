// Package worker provides a serial execution context: an unbounded FIFO of tasks drained by a
// single goroutine.
//
// Tasks submitted to the same Queue never run concurrently and run in submission order, so state
// owned by a Queue can be mutated from its tasks without further locking.
package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslamotors/vehicle-session/internal/log"
)

var (
	ErrQueueNotStarted     = errors.New("worker queue not started")
	ErrQueueStopped        = errors.New("worker queue stopped")
	ErrQueueAlreadyStarted = errors.New("worker queue already started")
	ErrStopTimeout         = errors.New("timeout waiting for worker queue to drain")
)

// Queue runs tasks one at a time on a dedicated goroutine.
type Queue struct {
	name string

	mu      sync.Mutex
	tasks   []func()
	started bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	processed int64
	panicked  int64

	registerer prometheus.Registerer
	metrics    *metrics
}

type metrics struct {
	depth     prometheus.Gauge
	processed prometheus.Counter
	panicked  prometheus.Counter
	duration  prometheus.Histogram
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics registers queue metrics with reg, labelled with the queue's name.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(q *Queue) {
		q.registerer = reg
	}
}

// NewQueue creates a stopped queue. Call Start before submitting tasks.
func NewQueue(name string, opts ...Option) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.registerer != nil {
		q.initializeMetrics()
	}
	return q
}

func (q *Queue) initializeMetrics() {
	labels := prometheus.Labels{"queue": q.name}
	q.metrics = &metrics{
		depth: Register(q.registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vehicle_session_queue_depth",
			Help:        "Tasks waiting to run on a serial queue",
			ConstLabels: labels,
		})),
		processed: Register(q.registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vehicle_session_queue_processed_total",
			Help:        "Tasks run on a serial queue",
			ConstLabels: labels,
		})),
		panicked: Register(q.registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vehicle_session_queue_panicked_total",
			Help:        "Tasks that panicked on a serial queue",
			ConstLabels: labels,
		})),
		duration: Register(q.registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "vehicle_session_queue_task_duration_seconds",
			Help:        "Time spent running a task on a serial queue",
			ConstLabels: labels,
			Buckets:     []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		})),
	}
}

// Register registers c with reg. If an identical collector is already registered, the existing
// one is returned instead, so several sessions can share a registry.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		log.Warning("Failed to register metric: %s", err)
	}
	return c
}

// Start launches the queue's goroutine.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueAlreadyStarted
	}
	q.started = true
	go q.run()
	return nil
}

// Submit appends task to the queue. It never blocks.
func (q *Queue) Submit(task func()) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrQueueNotStarted
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.depth.Set(float64(depth))
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs task on the queue and waits for it to finish. It must not be called from a task running
// on the same queue.
func (q *Queue) Do(task func()) error {
	finished := make(chan struct{})
	if err := q.Submit(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Stop rejects further submissions and waits up to timeout for queued tasks to finish.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stats reports how many tasks have run and how many of them panicked.
func (q *Queue) Stats() (processed, panicked int64) {
	return atomic.LoadInt64(&q.processed), atomic.LoadInt64(&q.panicked)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		depth := len(q.tasks)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.depth.Set(float64(depth))
		}
		q.execute(task)
	}
}

func (q *Queue) execute(task func()) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&q.processed, 1)
		if r := recover(); r != nil {
			atomic.AddInt64(&q.panicked, 1)
			log.Error("[%s] task panicked: %v", q.name, r)
			if q.metrics != nil {
				q.metrics.panicked.Inc()
			}
		}
		if q.metrics != nil {
			q.metrics.processed.Inc()
			q.metrics.duration.Observe(time.Since(start).Seconds())
		}
	}()
	task()
}

// Timer is a pending AfterFunc call.
type Timer struct {
	t *time.Timer
}

// AfterFunc runs fn on q once d has elapsed. If q has been stopped by then, fn is dropped.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() {
		if err := q.Submit(fn); err != nil {
			log.Debug("[%s] dropping timer: %s", q.name, err)
		}
	})}
}

// Stop prevents the timer from firing. It returns false if the timer already fired, in which case
// fn may still be waiting in the queue.
func (t *Timer) Stop() bool {
	return t.t.Stop()
}
