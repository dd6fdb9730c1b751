package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/gomega"

	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

type transportUpdate struct {
	token          string
	needsReconnect bool
	manual         bool
}

type fakeTransport struct {
	lock        sync.Mutex
	connects    int
	receives    int
	unregisters int
	closes      int
	disconnects []bool
	updates     []transportUpdate
	sent        [][]byte
	connected   bool
	onState     func(connector.State)
	onData      func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Connect(token string, expiry time.Time, onStateChange func(connector.State)) connector.ConnectionToken {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connects++
	f.onState = onStateChange
	return connector.ConnectionToken(f.connects)
}

func (f *fakeTransport) ReceiveData(onData func([]byte)) connector.ReceiveToken {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.receives++
	f.onData = onData
	return connector.ReceiveToken(f.receives)
}

func (f *fakeTransport) Send(data []byte, onSent func(error)) {
	f.lock.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.lock.Unlock()
	go onSent(nil)
}

func (f *fakeTransport) Disconnect(forced bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.disconnects = append(f.disconnects, forced)
}

func (f *fakeTransport) Update(token string, _ time.Time, needsReconnect bool, manual bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.updates = append(f.updates, transportUpdate{token, needsReconnect, manual})
}

func (f *fakeTransport) IsConnected() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connected
}

func (f *fakeTransport) UnregisterAndDisconnectIfPossible(connector.ConnectionToken, connector.ReceiveToken) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unregisters++
}

func (f *fakeTransport) Close() {
	f.lock.Lock()
	f.closes++
	onState := f.onState
	f.lock.Unlock()
	if onState != nil {
		onState(connector.State{Status: connector.StatusClosed})
	}
}

func (f *fakeTransport) emit(state connector.State) {
	f.lock.Lock()
	onState := f.onState
	f.lock.Unlock()
	Expect(onState).ToNot(BeNil())
	onState(state)
}

func (f *fakeTransport) deliver(m protocol.Message) {
	frame, err := protocol.Encode(m)
	Expect(err).ToNot(HaveOccurred())
	f.deliverRaw(frame)
}

func (f *fakeTransport) deliverRaw(frame []byte) {
	f.lock.Lock()
	onData := f.onData
	f.lock.Unlock()
	Expect(onData).ToNot(BeNil())
	onData(frame)
}

func (f *fakeTransport) counts() (connects, receives, unregisters int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connects, f.receives, f.unregisters
}

func (f *fakeTransport) sentFrames() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	var frames []string
	for _, frame := range f.sent {
		frames = append(frames, string(frame))
	}
	return frames
}

func (f *fakeTransport) transportUpdates() []transportUpdate {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]transportUpdate(nil), f.updates...)
}

func staticTokens(value string) connector.TokenProvider {
	return connector.TokenProviderFunc(func(onToken func(connector.Token)) {
		onToken(connector.Token{Value: value, Expiry: time.Now().Add(time.Hour)})
	})
}

// cachingTokens hands out the same token until it is invalidated.
type cachingTokens struct {
	lock          sync.Mutex
	generation    int
	invalidations int
}

func (c *cachingTokens) RequestToken(onToken func(connector.Token)) {
	c.lock.Lock()
	value := fmt.Sprintf("token-%d", c.generation+1)
	c.lock.Unlock()
	onToken(connector.Token{Value: value, Expiry: time.Now().Add(time.Hour)})
}

func (c *cachingTokens) Invalidate() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.generation++
	c.invalidations++
}

func (c *cachingTokens) invalidated() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.invalidations
}

type memoryCache struct {
	lock     sync.Mutex
	statuses map[string]*protocol.VehicleStatus
	fail     bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{statuses: make(map[string]*protocol.VehicleStatus)}
}

func (m *memoryCache) Apply(_ context.Context, update *protocol.StatusUpdate) (*protocol.VehicleStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fail {
		return nil, errors.New("cache unavailable")
	}
	status, ok := m.statuses[update.VIN]
	if !ok || update.FullUpdate {
		status = &protocol.VehicleStatus{VIN: update.VIN, Attributes: make(map[string]protocol.Attribute)}
	}
	updated := &protocol.VehicleStatus{
		VIN:            update.VIN,
		SequenceNumber: update.SequenceNumber,
		UpdatedAt:      update.EmittedAt,
		Attributes:     make(map[string]protocol.Attribute),
	}
	for name, attr := range status.Attributes {
		updated.Attributes[name] = attr
	}
	for name, attr := range update.Attributes {
		updated.Attributes[name] = attr
	}
	m.statuses[update.VIN] = updated
	return updated, nil
}

func (m *memoryCache) Status(vin string) (*protocol.VehicleStatus, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	status, ok := m.statuses[vin]
	return status, ok
}

type refreshCall struct {
	kind string
	vins []string
}

type fakeRefresher struct {
	lock    sync.Mutex
	calls   []refreshCall
	err     error
	release chan struct{}
}

func (f *fakeRefresher) record(kind string, vins ...string) error {
	if f.release != nil {
		<-f.release
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, refreshCall{kind, vins})
	return f.err
}

func (f *fakeRefresher) RefreshVehicles(_ context.Context, vins []string) error {
	return f.record("vehicles", vins...)
}

func (f *fakeRefresher) RefreshServices(_ context.Context, vin string, _ []protocol.ServiceStatus) error {
	return f.record("services", vin)
}

func (f *fakeRefresher) RefreshPendingCommands(_ context.Context, commands []protocol.PendingCommand) error {
	var ids []string
	for _, c := range commands {
		ids = append(ids, c.RequestID)
	}
	return f.record("pending", ids...)
}

func (f *fakeRefresher) recorded() []refreshCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]refreshCall(nil), f.calls...)
}
