// Package dispatcher sends commands to the backend and matches the resulting status updates back to
// the caller that issued them.
package dispatcher

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/internal/worker"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// DefaultTimeout is how long a command may wait for a terminal status update.
const DefaultTimeout = 6 * time.Second

// Transport is the subset of connector.Transport used to send commands.
type Transport interface {
	IsConnected() bool
	Send(data []byte, onSent func(error))
}

// Dispatcher objects serialize commands, send them through a Transport and route incoming command
// status updates to the command's completion callback.
//
// The pending-command table and all command timers are owned by loop. HandleStatusUpdate must be
// called from a task running on loop.
type Dispatcher struct {
	transport Transport
	vehicles  connector.VehicleSelector
	pins      connector.PinProvider
	loop      *worker.Queue
	timeout   time.Duration
	newID     func() string

	// inflight holds every unresolved command, including those whose send has not completed.
	// receivers is the pending table proper: commands that were sent and await a status.
	inflight  map[string]*receiver
	receivers map[string]*receiver

	registerer prometheus.Registerer
	outcomes   *prometheus.CounterVec
	pending    prometheus.Gauge
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMetrics registers command metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.registerer = reg
	}
}

// WithIDGenerator replaces the random UUID correlation ids.
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		d.newID = newID
	}
}

// New creates a Dispatcher. pins may be nil, in which case PIN-gated commands fail with
// protocol.ErrPinProviderMissing.
func New(transport Transport, vehicles connector.VehicleSelector, pins connector.PinProvider, loop *worker.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		vehicles:  vehicles,
		pins:      pins,
		loop:      loop,
		timeout:   DefaultTimeout,
		newID:     uuid.NewString,
		inflight:  make(map[string]*receiver),
		receivers: make(map[string]*receiver),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registerer != nil {
		d.outcomes = worker.Register(d.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_session_commands_total",
			Help: "Commands by outcome",
		}, []string{"outcome"}))
		d.pending = worker.Register(d.registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vehicle_session_commands_pending",
			Help: "Commands awaiting a terminal status update",
		}))
	}
	return d
}

func (d *Dispatcher) count(outcome string) {
	if d.outcomes != nil {
		d.outcomes.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) updatePending() {
	if d.pending != nil {
		d.pending.Set(float64(len(d.receivers)))
	}
}

func (d *Dispatcher) reject(name string, completion protocol.Completion, err error) {
	log.Info("Rejecting %s: %s", name, err)
	d.count("rejected")
	completion(protocol.Result{Err: err})
}

// Send issues cmd to the selected vehicle. completion receives a progress result just before the
// command is transmitted, optionally some non-terminal status results, and then exactly one
// terminal result.
//
// Precondition failures (no vehicle selected, unsupported command, serialization failure, no
// connection) are reported synchronously unless a PIN prompt is involved.
func (d *Dispatcher) Send(cmd protocol.Command, completion protocol.Completion) {
	vin := d.vehicles.SelectedVIN()
	if vin == "" {
		d.reject(cmd.Name(), completion, protocol.ErrNoVehicleSelected)
		return
	}
	switch c := cmd.(type) {
	case *protocol.PlainCommand:
		d.transmit(c.Name(), vin, completion, func(id string) ([]byte, error) {
			return c.Serialize(id, vin)
		})
	case *protocol.PinCommand:
		if d.pins == nil {
			d.reject(c.Name(), completion, protocol.ErrPinProviderMissing)
			return
		}
		d.pins.RequestPin(c.Reason, c.PreventReuseAlert,
			func(pin string) {
				d.transmit(c.Name(), vin, completion, func(id string) ([]byte, error) {
					return c.Serialize(id, vin, pin)
				})
			},
			func() {
				d.reject(c.Name(), completion, protocol.ErrPinInputCancelled)
			})
	default:
		d.reject(cmd.Name(), completion, protocol.ErrCommandUnavailable)
	}
}

func (d *Dispatcher) transmit(name, vin string, completion protocol.Completion, serialize func(id string) ([]byte, error)) {
	id := d.newID()
	payload, err := serialize(id)
	if err != nil || len(payload) == 0 {
		d.reject(name, completion, &protocol.SerializationError{Command: name, Err: err})
		return
	}
	if !d.transport.IsConnected() {
		d.reject(name, completion, protocol.ErrNoInternetConnection)
		return
	}

	completion(protocol.Result{AboutToSend: true})
	recv := &receiver{
		id:         id,
		vin:        vin,
		command:    name,
		completion: completion,
	}
	err = d.loop.Submit(func() {
		d.inflight[id] = recv
		recv.timer = d.loop.AfterFunc(d.timeout, func() { d.expire(recv) })
		recv.sentAt = time.Now()
		log.Debug("[%s] Sending %s to %s", id, name, vin)
		d.transport.Send(payload, func(err error) {
			if err := d.loop.Submit(func() { d.sent(recv, err) }); err != nil {
				log.Warning("[%s] Send completed after shutdown: %s", id, err)
			}
		})
	})
	if err != nil {
		completion(protocol.Result{Err: protocol.ErrSessionClosed})
	}
}

// sent runs on the loop once the Transport has finished sending recv's payload.
func (d *Dispatcher) sent(recv *receiver, err error) {
	if recv.resolved {
		log.Debug("[%s] Send completed after command was resolved", recv.id)
		return
	}
	if err != nil {
		recv.resolve()
		delete(d.inflight, recv.id)
		log.Warning("[%s] Failed to send %s: %s", recv.id, recv.command, err)
		d.count("send_failed")
		recv.completion(protocol.Result{Err: err})
		return
	}
	d.receivers[recv.id] = recv
	d.count("sent")
	d.updatePending()
}

// expire runs on the loop when recv's timer fires.
func (d *Dispatcher) expire(recv *receiver) {
	if !recv.resolve() {
		return
	}
	delete(d.inflight, recv.id)
	delete(d.receivers, recv.id)
	d.updatePending()
	log.Warning("[%s] %s timed out after %s", recv.id, recv.command, d.timeout)
	d.count("timeout")
	recv.completion(protocol.Result{Err: protocol.ErrCommandTimeout})
}

// HandleStatusUpdate routes each status in update to the matching pending command. Terminal
// statuses remove the command from the pending table. Statuses without a pending command are
// ignored.
func (d *Dispatcher) HandleStatusUpdate(update *protocol.CommandStatusUpdate) {
	for _, status := range update.Statuses {
		if status == nil {
			continue
		}
		recv, ok := d.receivers[status.RequestID]
		if !ok {
			log.Debug("[%s] Dropping status %s without pending command", status.RequestID, status.State)
			continue
		}
		if status.State.Terminal() {
			recv.resolve()
			delete(d.receivers, recv.id)
			delete(d.inflight, recv.id)
			d.updatePending()
			log.Info("[%s] %s %s after %s", recv.id, recv.command, status.State, time.Since(recv.sentAt).Round(time.Millisecond))
			d.count(status.State.String())
		} else {
			log.Debug("[%s] %s is %s", recv.id, recv.command, status.State)
		}
		recv.completion(protocol.ResultForStatus(status))
	}
}

// FailAll resolves every unresolved command with err. It must be called on the loop.
func (d *Dispatcher) FailAll(err error) {
	for id, recv := range d.inflight {
		recv.resolve()
		delete(d.inflight, id)
		d.count("aborted")
		recv.completion(protocol.Result{Err: err})
	}
	d.receivers = make(map[string]*receiver)
	d.updatePending()
}

// PendingCount returns the number of commands awaiting a status update. It must not be called on
// the loop.
func (d *Dispatcher) PendingCount() int {
	var n int
	if err := d.loop.Do(func() { n = len(d.receivers) }); err != nil {
		return 0
	}
	return n
}
