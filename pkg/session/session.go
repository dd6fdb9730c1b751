// Package session maintains a persistent, authenticated connection to the vehicle backend.
//
// A Session multiplexes three concerns over one Transport: vehicle status updates pushed by the
// backend, which are written to a cache and published through an observable.Store; commands
// issued by the user, which are correlated with their status updates; and lifecycle events
// (vehicle list, service activation and authorization changes), which are acknowledged once
// processed.
//
// Connection-state transitions, observer notification, routing of received frames and the
// pending-command table all run on a single goroutine owned by the Session. Cache writes run on a
// second goroutine, one at a time, in receive order.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslamotors/vehicle-session/internal/dispatcher"
	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/internal/worker"
	"github.com/teslamotors/vehicle-session/internal/writequeue"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/observable"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

const (
	defaultRefreshTimeout = 30 * time.Second
	stopTimeout           = 5 * time.Second
)

// StatusCache is the durable store that vehicle status updates are written to. Apply is never
// called concurrently by a Session, but Status may be called while Apply runs.
type StatusCache interface {
	Apply(ctx context.Context, update *protocol.StatusUpdate) (*protocol.VehicleStatus, error)
	Status(vin string) (*protocol.VehicleStatus, bool)
}

// Refresher reloads data that the backend announced as changed. The acknowledgement of the
// triggering message is sent once the refresh returns, whether or not it failed.
type Refresher interface {
	// RefreshVehicles reloads the vehicle list. vins are the vehicles named by the triggering
	// message.
	RefreshVehicles(ctx context.Context, vins []string) error

	// RefreshServices reloads the service activation state of one vehicle.
	RefreshServices(ctx context.Context, vin string, services []protocol.ServiceStatus) error

	// RefreshPendingCommands receives the commands the backend is still processing.
	RefreshPendingCommands(ctx context.Context, commands []protocol.PendingCommand) error
}

// Config holds the collaborators and settings of a Session.
type Config struct {
	Transport connector.Transport
	Tokens    connector.TokenProvider
	Vehicles  connector.VehicleSelector
	Cache     StatusCache

	// Pins prompts for the PIN of PIN-gated commands. Optional.
	Pins connector.PinProvider

	// Refresher handles lifecycle events. Optional; without it, lifecycle events are acknowledged
	// immediately.
	Refresher Refresher

	// CommandTimeout defaults to 6 seconds.
	CommandTimeout time.Duration

	// RefreshTimeout bounds each Refresher call. Defaults to 30 seconds.
	RefreshTimeout time.Duration

	// ManualTokenRefresh disables the automatic Update(false) that otherwise follows a connection
	// loss that requires a token refresh.
	ManualTokenRefresh bool

	// Registerer receives session metrics. Optional.
	Registerer prometheus.Registerer
}

var errMissingCollaborator = errors.New("session: Transport, Tokens, Vehicles and Cache are required")

// ObserverToken identifies a connection-state observer registered by Connect.
type ObserverToken uint64

type observer struct {
	token ObserverToken
	fn    func(connector.State)
}

// Session is a connection to the vehicle backend shared by any number of observers.
type Session struct {
	cfg        Config
	loop       *worker.Queue
	writes     *writequeue.WriteQueue
	dispatcher *dispatcher.Dispatcher
	publisher  *observable.Publisher
	background sync.WaitGroup

	lock      sync.Mutex
	state     connector.State
	closed    bool
	observers []observer
	nextToken ObserverToken

	// Transport registrations. Owned by loop.
	connToken *connector.ConnectionToken
	recvToken *connector.ReceiveToken
}

// New creates a Session. The field store is seeded, without notification, from the cached status
// of the selected vehicle. No connection is opened until Connect is called.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil || cfg.Tokens == nil || cfg.Vehicles == nil || cfg.Cache == nil {
		return nil, errMissingCollaborator
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	var loopOpts []worker.Option
	dispatchOpts := []dispatcher.Option{dispatcher.WithTimeout(cfg.CommandTimeout)}
	if cfg.Registerer != nil {
		loopOpts = append(loopOpts, worker.WithMetrics(cfg.Registerer))
		dispatchOpts = append(dispatchOpts, dispatcher.WithMetrics(cfg.Registerer))
	}

	s := &Session{
		cfg:       cfg,
		loop:      worker.NewQueue("session", loopOpts...),
		publisher: observable.NewPublisher(),
	}
	if err := s.loop.Start(); err != nil {
		return nil, err
	}
	s.dispatcher = dispatcher.New(cfg.Transport, cfg.Vehicles, cfg.Pins, s.loop, dispatchOpts...)
	writes, err := writequeue.New(cfg.Cache, s.written, cfg.Registerer)
	if err != nil {
		s.loop.Stop(stopTimeout)
		return nil, err
	}
	s.writes = writes

	if status, ok := cfg.Cache.Status(cfg.Vehicles.SelectedVIN()); ok {
		s.publisher.RefreshAll(status, false)
	}
	return s, nil
}

// post runs task on the session's goroutine.
func (s *Session) post(task func()) {
	if err := s.loop.Submit(task); err != nil {
		log.Debug("Dropping session task: %s", err)
	}
}

// Store returns the observable fields of s.
func (s *Session) Store() *observable.Store {
	return s.publisher.Store()
}

// State returns the current connection state.
func (s *Session) State() connector.State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Connect registers onState to be called with every subsequent connection-state transition and
// opens a connection if none is open. The returned state is the state at the time of the call.
//
// onState runs on the session's goroutine, in registration order relative to other observers. It
// must not block.
//
// A closed session only registers the observer. The connection is reopened by Reconnect.
func (s *Session) Connect(onState func(connector.State)) (connector.State, *observable.Store, ObserverToken) {
	s.lock.Lock()
	s.nextToken++
	token := s.nextToken
	s.observers = append(s.observers, observer{token: token, fn: onState})
	state := s.state
	closed := s.closed
	s.lock.Unlock()

	if closed {
		log.Debug("Session is closed, waiting for Reconnect")
		return state, s.publisher.Store(), token
	}
	s.cfg.Tokens.RequestToken(func(t connector.Token) {
		s.post(func() { s.establish(t) })
	})
	return state, s.publisher.Store(), token
}

// establish opens the Transport connection and receive subscription unless they already exist or
// the session is closed.
func (s *Session) establish(t connector.Token) {
	if s.isClosed() {
		return
	}
	if s.connToken == nil {
		conn := s.cfg.Transport.Connect(t.Value, t.Expiry, s.stateChanged)
		s.connToken = &conn
	}
	if s.recvToken == nil {
		recv := s.cfg.Transport.ReceiveData(s.received)
		s.recvToken = &recv
	}
}

// Disconnect closes the connection while keeping observers registered.
func (s *Session) Disconnect() {
	s.cfg.Transport.Disconnect(true)
}

// Reconnect fetches a fresh token and reopens the connection. It also leaves the closed state.
// Manual reconnects were requested by the user.
func (s *Session) Reconnect(manual bool) {
	s.lock.Lock()
	s.closed = false
	s.lock.Unlock()

	s.cfg.Tokens.RequestToken(func(t connector.Token) {
		s.post(func() {
			if s.connToken == nil || s.recvToken == nil {
				s.establish(t)
				return
			}
			s.cfg.Transport.Update(t.Value, t.Expiry, true, manual)
		})
	})
}

// Update fetches a fresh token and instructs the Transport to reconnect with it.
func (s *Session) Update(manual bool) {
	s.cfg.Tokens.RequestToken(func(t connector.Token) {
		s.cfg.Transport.Update(t.Value, t.Expiry, true, manual)
	})
}

// Unregister removes an observer. If alsoDisconnect is set and no observers remain, the connection
// and receive subscription are torn down. Unknown tokens are ignored.
func (s *Session) Unregister(token ObserverToken, alsoDisconnect bool) {
	s.lock.Lock()
	for i, o := range s.observers {
		if o.token == token {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			break
		}
	}
	s.lock.Unlock()

	if alsoDisconnect {
		s.post(s.teardownIfUnobserved)
	}
}

func (s *Session) teardownIfUnobserved() {
	s.lock.Lock()
	remaining := len(s.observers)
	s.lock.Unlock()
	if remaining > 0 {
		log.Debug("Keeping connection open for %d observers", remaining)
		return
	}
	if s.connToken == nil && s.recvToken == nil {
		return
	}
	var conn connector.ConnectionToken
	var recv connector.ReceiveToken
	if s.connToken != nil {
		conn = *s.connToken
	}
	if s.recvToken != nil {
		recv = *s.recvToken
	}
	log.Info("Last observer left, disconnecting")
	s.cfg.Transport.UnregisterAndDisconnectIfPossible(conn, recv)
	s.connToken = nil
	s.recvToken = nil
}

// Close terminates the Transport. The session stays closed until Reconnect is called.
func (s *Session) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.cfg.Transport.Close()
	s.post(func() {
		s.connToken = nil
		s.recvToken = nil
	})
}

// Stop closes the Transport, waits for queued cache writes and pending refreshes, and fails every
// unresolved command with protocol.ErrSessionClosed. A stopped Session cannot be reused.
func (s *Session) Stop() {
	s.Close()
	if err := s.writes.Stop(stopTimeout); err != nil {
		log.Warning("Cache writes did not finish: %s", err)
	}
	if err := s.loop.Do(func() { s.dispatcher.FailAll(protocol.ErrSessionClosed) }); err != nil {
		log.Debug("Session already stopped: %s", err)
	}
	if err := s.loop.Stop(stopTimeout); err != nil {
		log.Warning("Session loop did not stop: %s", err)
	}
	// Refreshes are only started from the loop, so none can start after it has stopped.
	s.background.Wait()
}

// Send issues cmd to the selected vehicle. See protocol.Result for the sequence of results passed
// to completion.
func (s *Session) Send(cmd protocol.Command, completion protocol.Completion) {
	s.dispatcher.Send(cmd, completion)
}

// PendingCommands returns the number of commands awaiting a status update. It must not be called
// from an observer callback.
func (s *Session) PendingCommands() int {
	return s.dispatcher.PendingCount()
}

// RefreshFields reloads every observable field from the cached status of the selected vehicle.
func (s *Session) RefreshFields(notify bool) {
	s.post(func() {
		status, _ := s.cfg.Cache.Status(s.cfg.Vehicles.SelectedVIN())
		s.publisher.RefreshAll(status, notify)
	})
}

func (s *Session) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// stateChanged is the Transport's state callback. It may run on any goroutine.
func (s *Session) stateChanged(state connector.State) {
	s.post(func() { s.transition(state) })
}

func (s *Session) transition(state connector.State) {
	s.lock.Lock()
	if s.closed && state.Status != connector.StatusClosed {
		s.lock.Unlock()
		log.Debug("Ignoring %s while closed", state)
		return
	}
	s.closed = state.Status == connector.StatusClosed
	s.state = state
	observers := append([]observer(nil), s.observers...)
	s.lock.Unlock()

	log.Info("Connection state: %s", state)
	s.publisher.SetConnectionState(state)
	for _, o := range observers {
		o.fn(state)
	}

	if state.Status == connector.StatusConnectionLost && state.NeedsTokenRefresh {
		if s.cfg.ManualTokenRefresh {
			log.Info("Connection lost, waiting for token refresh")
			return
		}
		if tokens, ok := s.cfg.Tokens.(connector.TokenInvalidator); ok {
			tokens.Invalidate()
		}
		s.Update(false)
	}
}
