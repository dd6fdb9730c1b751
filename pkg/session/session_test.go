package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/teslamotors/vehicle-session/mocks"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
	"github.com/teslamotors/vehicle-session/pkg/session"
)

const selectedVIN = "VIN123"

var (
	connected = connector.State{Status: connector.StatusConnected}
	lostToken = connector.State{Status: connector.StatusConnectionLost, NeedsTokenRefresh: true}
)

type stateRecorder struct {
	lock   sync.Mutex
	states []connector.State
}

func (r *stateRecorder) observe(state connector.State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) observed() []connector.State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]connector.State(nil), r.states...)
}

type resultRecorder struct {
	lock    sync.Mutex
	results []protocol.Result
}

func (r *resultRecorder) completion(result protocol.Result) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.results = append(r.results, result)
}

func (r *resultRecorder) all() []protocol.Result {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]protocol.Result(nil), r.results...)
}

func doorUpdate(vin string, seq int32, ack string) *protocol.StatusUpdate {
	return &protocol.StatusUpdate{
		VIN:            vin,
		SequenceNumber: seq,
		EmittedAt:      time.Unix(1700000000, 0).UTC(),
		Attributes: map[string]protocol.Attribute{
			"doorlockstatusvehicle": {Kind: protocol.KindInt, Int: int64(seq)},
		},
		Ack: []byte(ack),
	}
}

var _ = Describe("Session", func() {
	var (
		transport *fakeTransport
		cache     *memoryCache
		selection *session.Selection
		refresher *fakeRefresher
		cfg       session.Config
		s         *session.Session
	)

	// barrier waits until every task queued on the session before the call has run.
	barrier := func() {
		s.PendingCommands()
	}

	start := func() {
		var err error
		s, err = session.New(cfg)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Stop)
	}

	connect := func(r *stateRecorder) session.ObserverToken {
		_, _, token := s.Connect(r.observe)
		barrier()
		return token
	}

	BeforeEach(func() {
		transport = newFakeTransport()
		cache = newMemoryCache()
		selection = session.NewSelection(selectedVIN)
		refresher = &fakeRefresher{}
		cfg = session.Config{
			Transport:      transport,
			Tokens:         staticTokens("token-1"),
			Vehicles:       selection,
			Cache:          cache,
			Refresher:      refresher,
			CommandTimeout: time.Second,
		}
	})

	Describe("New", func() {
		It("requires its collaborators", func() {
			_, err := session.New(session.Config{Transport: transport})
			Expect(err).To(HaveOccurred())
		})

		It("seeds the field store silently from the cache", func() {
			_, err := cache.Apply(context.Background(), doorUpdate(selectedVIN, 3, ""))
			Expect(err).ToNot(HaveOccurred())
			start()
			Expect(s.Store().SequenceNumber.Value()).To(Equal(int32(3)))
			_, ok := s.Store().Doors().Value().Get("doorlockstatusvehicle")
			Expect(ok).To(BeTrue())
		})
	})

	Describe("Connect", func() {
		BeforeEach(start)

		It("opens one connection for repeated calls", func() {
			state, store, first := s.Connect(func(connector.State) {})
			Expect(state.Status).To(Equal(connector.StatusDisconnected))
			Expect(store).To(BeIdenticalTo(s.Store()))
			_, _, second := s.Connect(func(connector.State) {})
			barrier()
			Expect(first).ToNot(Equal(second))
			connects, receives, _ := transport.counts()
			Expect(connects).To(Equal(1))
			Expect(receives).To(Equal(1))
		})

		It("notifies every observer in registration order", func() {
			var lock sync.Mutex
			var order []string
			record := func(name string) func(connector.State) {
				return func(state connector.State) {
					lock.Lock()
					defer lock.Unlock()
					order = append(order, name+":"+state.Status.String())
				}
			}
			s.Connect(record("a"))
			s.Connect(record("b"))
			barrier()
			transport.emit(connector.State{Status: connector.StatusConnecting})
			transport.emit(connected)
			barrier()
			lock.Lock()
			defer lock.Unlock()
			Expect(order).To(Equal([]string{"a:connecting", "b:connecting", "a:connected", "b:connected"}))
			Expect(s.Store().ConnectionState.Value()).To(Equal(connected))
			Expect(s.State()).To(Equal(connected))
		})

		It("returns the current state", func() {
			connect(&stateRecorder{})
			transport.emit(connected)
			barrier()
			state, _, _ := s.Connect(func(connector.State) {})
			Expect(state).To(Equal(connected))
		})

		It("does nothing if no token is available", func() {
			cfg.Tokens = connector.TokenProviderFunc(func(func(connector.Token)) {})
			other, err := session.New(cfg)
			Expect(err).ToNot(HaveOccurred())
			defer other.Stop()
			other.Connect(func(connector.State) {})
			other.PendingCommands()
			connects, _, _ := transport.counts()
			Expect(connects).To(BeZero())
		})
	})

	Describe("Unregister", func() {
		BeforeEach(start)

		It("tears down once when the last observer leaves", func() {
			token := connect(&stateRecorder{})
			s.Unregister(token, true)
			s.Unregister(token, true)
			barrier()
			_, _, unregisters := transport.counts()
			Expect(unregisters).To(Equal(1))
		})

		It("keeps the connection while observers remain", func() {
			first := connect(&stateRecorder{})
			connect(&stateRecorder{})
			s.Unregister(first, true)
			barrier()
			_, _, unregisters := transport.counts()
			Expect(unregisters).To(BeZero())
		})

		It("stops notifying the removed observer", func() {
			r := &stateRecorder{}
			token := connect(r)
			connect(&stateRecorder{})
			s.Unregister(token, false)
			transport.emit(connected)
			barrier()
			Expect(r.observed()).To(BeEmpty())
		})

		It("reconnects after teardown", func() {
			token := connect(&stateRecorder{})
			s.Unregister(token, true)
			barrier()
			connect(&stateRecorder{})
			connects, receives, _ := transport.counts()
			Expect(connects).To(Equal(2))
			Expect(receives).To(Equal(2))
		})
	})

	Describe("token refresh", func() {
		It("updates the transport after losing the connection", func() {
			start()
			connect(&stateRecorder{})
			transport.emit(lostToken)
			Eventually(transport.transportUpdates).Should(ConsistOf(transportUpdate{"token-1", true, false}))
		})

		It("discards a cached token the server rejected", func() {
			tokens := &cachingTokens{}
			cfg.Tokens = tokens
			start()
			connect(&stateRecorder{})
			transport.emit(lostToken)
			Eventually(transport.transportUpdates).Should(ConsistOf(transportUpdate{"token-2", true, false}))
			Expect(tokens.invalidated()).To(Equal(1))
		})

		It("keeps the cached token when the loss does not involve it", func() {
			tokens := &cachingTokens{}
			cfg.Tokens = tokens
			start()
			connect(&stateRecorder{})
			transport.emit(connector.State{Status: connector.StatusConnectionLost})
			s.Reconnect(false)
			Eventually(transport.transportUpdates).Should(ConsistOf(transportUpdate{"token-1", true, false}))
			Expect(tokens.invalidated()).To(BeZero())
		})

		It("waits for the caller when refresh is manual", func() {
			cfg.ManualTokenRefresh = true
			start()
			r := &stateRecorder{}
			connect(r)
			transport.emit(lostToken)
			barrier()
			Expect(r.observed()).To(Equal([]connector.State{lostToken}))
			Consistently(transport.transportUpdates, 50*time.Millisecond).Should(BeEmpty())

			s.Update(true)
			Eventually(transport.transportUpdates).Should(ConsistOf(transportUpdate{"token-1", true, true}))
		})

		It("does not refresh when the loss does not require it", func() {
			start()
			connect(&stateRecorder{})
			transport.emit(connector.State{Status: connector.StatusConnectionLost})
			barrier()
			Expect(transport.transportUpdates()).To(BeEmpty())
		})
	})

	Describe("Close", func() {
		BeforeEach(start)

		It("ignores transitions until reconnected", func() {
			r := &stateRecorder{}
			connect(r)
			s.Close()
			barrier()
			transport.emit(connected)
			barrier()
			Expect(r.observed()).To(Equal([]connector.State{{Status: connector.StatusClosed}}))

			s.Reconnect(true)
			barrier()
			connects, _, _ := transport.counts()
			Expect(connects).To(Equal(2))
			transport.emit(connected)
			barrier()
			Expect(r.observed()).To(HaveLen(2))
			Expect(s.State()).To(Equal(connected))
		})

		It("does not reopen the connection on Connect", func() {
			connect(&stateRecorder{})
			s.Close()
			barrier()

			r := &stateRecorder{}
			state, _, _ := s.Connect(r.observe)
			barrier()
			Expect(state).To(Equal(connector.State{Status: connector.StatusClosed}))
			connects, receives, _ := transport.counts()
			Expect(connects).To(Equal(1))
			Expect(receives).To(Equal(1))

			transport.emit(connected)
			barrier()
			Expect(s.State().Status).To(Equal(connector.StatusClosed))
			Expect(r.observed()).To(BeEmpty())

			s.Reconnect(true)
			barrier()
			connects, _, _ = transport.counts()
			Expect(connects).To(Equal(2))
			transport.emit(connected)
			barrier()
			Expect(r.observed()).To(Equal([]connector.State{connected}))
		})

		It("updates an open connection on reconnect", func() {
			connect(&stateRecorder{})
			s.Reconnect(true)
			Eventually(transport.transportUpdates).Should(ConsistOf(transportUpdate{"token-1", true, true}))
		})
	})

	Describe("Send", func() {
		BeforeEach(func() {
			start()
			connect(&stateRecorder{})
			transport.emit(connected)
		})

		It("completes a command with its terminal status", func() {
			r := &resultRecorder{}
			s.Send(protocol.NewPlainCommand("doors-lock"), r.completion)
			Expect(r.all()).To(HaveLen(1))
			Expect(r.all()[0].AboutToSend).To(BeTrue())
			Eventually(s.PendingCommands).Should(Equal(1))

			request, err := protocol.DecodeCommandRequest([]byte(transport.sentFrames()[0]))
			Expect(err).ToNot(HaveOccurred())
			Expect(request.VIN).To(Equal(selectedVIN))

			transport.deliver(&protocol.CommandStatusUpdate{
				Statuses: []*protocol.CommandStatus{{RequestID: request.RequestID, State: protocol.CommandStateFinished}},
				Ack:      []byte("cmd-ack"),
			})
			Eventually(func() int { return len(r.all()) }).Should(Equal(2))
			final := r.all()[1]
			Expect(final.Err).ToNot(HaveOccurred())
			Expect(final.Status.State).To(Equal(protocol.CommandStateFinished))
			Expect(s.PendingCommands()).To(BeZero())
			Eventually(transport.sentFrames).Should(ContainElement("cmd-ack"))
		})

		It("acknowledges unmatched command statuses", func() {
			transport.deliver(&protocol.CommandStatusUpdate{
				Statuses: []*protocol.CommandStatus{{RequestID: "nobody", State: protocol.CommandStateFinished}},
				Ack:      []byte("orphan-ack"),
			})
			Eventually(transport.sentFrames).Should(ContainElement("orphan-ack"))
		})

		It("rejects commands when no vehicle is selected", func() {
			selection.Select("")
			r := &resultRecorder{}
			s.Send(protocol.NewPlainCommand("doors-lock"), r.completion)
			Expect(r.all()).To(HaveLen(1))
			Expect(r.all()[0].Err).To(MatchError(protocol.ErrNoVehicleSelected))
			Expect(transport.sentFrames()).To(BeEmpty())
		})

		It("fails pending commands when stopped", func() {
			r := &resultRecorder{}
			s.Send(protocol.NewPlainCommand("doors-lock"), r.completion)
			Eventually(s.PendingCommands).Should(Equal(1))
			s.Stop()
			results := r.all()
			Expect(results).To(HaveLen(2))
			Expect(errors.Is(results[1].Err, protocol.ErrSessionClosed)).To(BeTrue())
		})
	})

	Describe("status updates", func() {
		BeforeEach(func() {
			start()
			connect(&stateRecorder{})
		})

		It("publishes updates for the selected vehicle", func() {
			var lock sync.Mutex
			var doors []int64
			s.Store().Doors().Subscribe(func(g protocol.AttributeGroup) {
				attr, _ := g.Get("doorlockstatusvehicle")
				lock.Lock()
				defer lock.Unlock()
				doors = append(doors, attr.Int)
			})
			transport.deliver(doorUpdate(selectedVIN, 1, "a1"))
			transport.deliver(doorUpdate(selectedVIN, 2, "a2"))
			Eventually(func() []int64 {
				lock.Lock()
				defer lock.Unlock()
				return append([]int64(nil), doors...)
			}).Should(Equal([]int64{1, 2}))
			Eventually(transport.sentFrames).Should(Equal([]string{"a1", "a2"}))
			Expect(s.Store().SequenceNumber.Value()).To(Equal(int32(2)))
		})

		for n := 1; n <= 4; n++ {
			n := n
			It("acknowledges a batch once", func() {
				var updates []*protocol.StatusUpdate
				for i := 0; i < n; i++ {
					updates = append(updates, doorUpdate(selectedVIN, int32(i), string(rune('a'+i))))
				}
				transport.deliver(&protocol.StatusUpdates{Updates: updates})
				last := string(rune('a' + n - 1))
				Eventually(transport.sentFrames).Should(Equal([]string{last}))
				Consistently(transport.sentFrames, 50*time.Millisecond).Should(HaveLen(1))
			})
		}

		It("caches but does not publish other vehicles", func() {
			notified := make(chan struct{}, 1)
			s.Store().Doors().Subscribe(func(protocol.AttributeGroup) { notified <- struct{}{} })
			transport.deliver(&protocol.StatusUpdates{Updates: []*protocol.StatusUpdate{
				doorUpdate("OTHER", 1, "o1"),
				doorUpdate("OTHER", 2, "o2"),
			}})
			Eventually(transport.sentFrames).Should(Equal([]string{"o2"}))
			Consistently(notified, 50*time.Millisecond).ShouldNot(Receive())
			_, ok := cache.Status("OTHER")
			Expect(ok).To(BeTrue())
		})

		It("acknowledges failed writes without publishing", func() {
			cache.fail = true
			notified := make(chan struct{}, 1)
			s.Store().Doors().Subscribe(func(protocol.AttributeGroup) { notified <- struct{}{} })
			transport.deliver(doorUpdate(selectedVIN, 1, "f1"))
			Eventually(transport.sentFrames).Should(Equal([]string{"f1"}))
			Consistently(notified, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("drops undecodable frames and keeps routing", func() {
			transport.deliverRaw([]byte{0xff, 0xff})
			transport.deliverRaw(nil)
			transport.deliver(doorUpdate(selectedVIN, 1, "after"))
			Eventually(transport.sentFrames).Should(Equal([]string{"after"}))
		})

		It("republishes the cache on RefreshFields", func() {
			transport.deliver(doorUpdate(selectedVIN, 4, "x"))
			Eventually(transport.sentFrames).Should(HaveLen(1))
			notified := make(chan int32, 1)
			s.Store().SequenceNumber.Subscribe(func(seq int32) { notified <- seq })
			s.RefreshFields(true)
			Eventually(notified).Should(Receive(Equal(int32(4))))
		})
	})

	Describe("lifecycle events", func() {
		BeforeEach(func() {
			start()
			connect(&stateRecorder{})
		})

		It("acknowledges assigned vehicles after refreshing", func() {
			refresher.release = make(chan struct{})
			transport.deliver(&protocol.AssignedVehicles{VINs: []string{"A", "B"}, Ack: []byte("assigned")})
			Consistently(transport.sentFrames, 50*time.Millisecond).Should(BeEmpty())
			close(refresher.release)
			Eventually(transport.sentFrames).Should(Equal([]string{"assigned"}))
			Expect(refresher.recorded()).To(ConsistOf(refreshCall{"vehicles", []string{"A", "B"}}))
		})

		It("acknowledges even when the refresh fails", func() {
			refresher.err = errors.New("backend unavailable")
			transport.deliver(&protocol.VehicleAuthChanged{VIN: "A", Ack: []byte("auth")})
			Eventually(transport.sentFrames).Should(Equal([]string{"auth"}))
		})

		It("hands pending commands to the refresher", func() {
			transport.deliver(&protocol.PendingCommands{
				Commands: []protocol.PendingCommand{{RequestID: "r1", VIN: "A"}},
				Ack:      []byte("pending"),
			})
			Eventually(transport.sentFrames).Should(Equal([]string{"pending"}))
			Expect(refresher.recorded()).To(ConsistOf(refreshCall{"pending", []string{"r1"}}))
		})

		It("refreshes each vehicle of a service batch once", func() {
			transport.deliver(&protocol.ServiceStatusUpdates{Updates: []*protocol.ServiceStatusUpdate{
				{VIN: "A", Services: []protocol.ServiceStatus{{ServiceID: 1}}, Ack: []byte("s1")},
				{VIN: "B", Ack: []byte("s2")},
				{VIN: "A", Services: []protocol.ServiceStatus{{ServiceID: 2}}, Ack: []byte("s3")},
			}})
			Eventually(transport.sentFrames).Should(Equal([]string{"s3"}))
			Expect(refresher.recorded()).To(ConsistOf(
				refreshCall{"services", []string{"A"}},
				refreshCall{"services", []string{"B"}},
			))
		})

		It("does not acknowledge debug messages", func() {
			transport.deliver(&protocol.DebugMessage{Text: "hello"})
			transport.deliver(&protocol.ServiceStatusUpdate{VIN: "A", Ack: []byte("single")})
			Eventually(transport.sentFrames).Should(Equal([]string{"single"}))
		})
	})
})

var _ = Describe("Session with mocked collaborators", func() {
	var ctrl *gomock.Controller

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		DeferCleanup(ctrl.Finish)
	})

	It("connects once for repeated Connect calls", func() {
		transport := mocks.NewSessionTransport(ctrl)
		tokens := mocks.NewTokenProvider(ctrl)
		token := connector.Token{Value: "jwt", Expiry: time.Now().Add(time.Hour)}

		tokens.EXPECT().RequestToken(gomock.Any()).Times(2).Do(func(onToken func(connector.Token)) {
			onToken(token)
		})
		transport.EXPECT().Connect("jwt", token.Expiry, gomock.Any()).Return(connector.ConnectionToken(7)).Times(1)
		transport.EXPECT().ReceiveData(gomock.Any()).Return(connector.ReceiveToken(9)).Times(1)
		transport.EXPECT().UnregisterAndDisconnectIfPossible(connector.ConnectionToken(7), connector.ReceiveToken(9)).Times(1)
		transport.EXPECT().Close().AnyTimes()

		s, err := session.New(session.Config{
			Transport: transport,
			Tokens:    tokens,
			Vehicles:  session.NewSelection(selectedVIN),
			Cache:     newMemoryCache(),
		})
		Expect(err).ToNot(HaveOccurred())
		defer s.Stop()

		_, _, first := s.Connect(func(connector.State) {})
		_, _, second := s.Connect(func(connector.State) {})
		s.Unregister(first, true)
		s.Unregister(second, true)
		s.Unregister(second, true)
		s.PendingCommands()
	})
})
