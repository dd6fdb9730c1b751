package proxy_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/teslamotors/vehicle-session/mocks"
	"github.com/teslamotors/vehicle-session/pkg/cache"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
	"github.com/teslamotors/vehicle-session/pkg/proxy"
	"github.com/teslamotors/vehicle-session/pkg/session"
)

const (
	vin      = "VEHICLE0000000001"
	otherVIN = "VEHICLE0000000002"
)

// backend plays the server side of the transport: every command request is recorded and answered
// with the state chosen by the test.
type backend struct {
	lock     sync.Mutex
	onData   func([]byte)
	requests []*protocol.CommandRequest
	reply    protocol.CommandState
	silent   bool
}

func (b *backend) receive(onData func([]byte)) connector.ReceiveToken {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.onData = onData
	return connector.ReceiveToken(1)
}

func (b *backend) respond(state protocol.CommandState, silent bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.reply = state
	b.silent = silent
}

func (b *backend) connected() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.onData != nil
}

func (b *backend) send(data []byte, onSent func(error)) {
	onSent(nil)
	req, err := protocol.DecodeCommandRequest(data)
	Expect(err).ToNot(HaveOccurred())

	b.lock.Lock()
	b.requests = append(b.requests, req)
	reply, silent, onData := b.reply, b.silent, b.onData
	b.lock.Unlock()
	if silent {
		return
	}
	status := &protocol.CommandStatus{VIN: req.VIN, RequestID: req.RequestID, Command: req.Command, State: reply}
	if reply == protocol.CommandStateFailed {
		status.Errors = []protocol.CommandErrorDetail{{Code: "4100"}}
	}
	frame, err := protocol.Encode(&protocol.CommandStatusUpdate{Statuses: []*protocol.CommandStatus{status}})
	Expect(err).ToNot(HaveOccurred())
	onData(frame)
}

func (b *backend) sent() []*protocol.CommandRequest {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]*protocol.CommandRequest(nil), b.requests...)
}

var _ = Describe("Proxy", func() {
	var (
		p        *proxy.Proxy
		b        *backend
		statuses *cache.StatusCache
	)

	sendRequest := func(method, path string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		return rr
	}

	commandPath := func(v, command string) string {
		return fmt.Sprintf("/api/1/vehicles/%s/command/%s", v, command)
	}

	BeforeEach(func() {
		ctrl := gomock.NewController(GinkgoT())
		transport := mocks.NewSessionTransport(ctrl)
		tokens := mocks.NewTokenProvider(ctrl)
		b = &backend{reply: protocol.CommandStateFinished}

		tokens.EXPECT().RequestToken(gomock.Any()).AnyTimes().Do(func(onToken func(connector.Token)) {
			onToken(connector.Token{Value: "token"})
		})
		transport.EXPECT().Connect("token", gomock.Any(), gomock.Any()).Return(connector.ConnectionToken(1)).AnyTimes()
		transport.EXPECT().ReceiveData(gomock.Any()).DoAndReturn(b.receive).AnyTimes()
		transport.EXPECT().IsConnected().Return(true).AnyTimes()
		transport.EXPECT().Send(gomock.Any(), gomock.Any()).Do(b.send).AnyTimes()
		transport.EXPECT().Close().AnyTimes()

		statuses = cache.New(5)
		pins := &proxy.RequestPins{}
		selection := session.NewSelection(vin)
		s, err := session.New(session.Config{
			Transport:      transport,
			Tokens:         tokens,
			Vehicles:       selection,
			Cache:          statuses,
			Pins:           pins,
			CommandTimeout: 100 * time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Stop)

		s.Connect(func(connector.State) {})
		Eventually(b.connected).Should(BeTrue())

		p = proxy.New(s, selection, statuses, pins)
		p.Timeout = time.Second
	})

	Context("vehicle commands", func() {
		It("rejects invalid VINs", func() {
			rr := sendRequest(http.MethodPost, commandPath("ABC", "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects other methods", func() {
			rr := sendRequest(http.MethodGet, commandPath(vin, "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("returns a successful response once the command finishes", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"response":{"result":true,"reason":""}}`))
			Expect(b.sent()).To(ConsistOf(HaveField("Command", "doors-lock")))
		})

		It("passes parameters through", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "set_charge_program"), `{"program": "home", "percent": 80}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(b.sent()[0].Parameters).To(ConsistOf(
				protocol.Parameter{Name: "program", Value: "2"},
				protocol.Parameter{Name: "max_soc", Value: "80"},
			))
		})

		It("reports commands the vehicle rejected", func() {
			b.respond(protocol.CommandStateFailed, false)
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring(`"result":false`))
		})

		It("times out commands without a response", func() {
			b.respond(protocol.CommandStateFinished, true)
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusGatewayTimeout))
		})

		It("requires a PIN for PIN commands", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_unlock"), "")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(b.sent()).To(BeEmpty())
		})

		It("forwards the PIN of the request", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_unlock"), `{"pin": "1234"}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(b.sent()).To(ConsistOf(HaveField("PIN", "1234")))
		})

		It("selects the vehicle named in the path", func() {
			rr := sendRequest(http.MethodPost, commandPath(otherVIN, "door_lock"), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(b.sent()).To(ConsistOf(HaveField("VIN", otherVIN)))
		})

		It("rejects unknown commands", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "launch"), "")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed bodies", func() {
			rr := sendRequest(http.MethodPost, commandPath(vin, "door_lock"), "[1, 2")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("vehicle data", func() {
		BeforeEach(func() {
			_, err := statuses.Apply(context.Background(), &protocol.StatusUpdate{
				VIN:            vin,
				SequenceNumber: 3,
				FullUpdate:     true,
				Attributes: map[string]protocol.Attribute{
					"doorlockstatusvehicle": {Kind: protocol.KindInt, Int: 2, Status: protocol.AttributeValid},
				},
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("returns the cached status", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data", vin), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring(`"sequence_number":3`))
			Expect(rr.Body.String()).To(ContainSubstring(`"doorlockstatusvehicle"`))
		})

		It("filters by endpoint", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=windows", vin), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).ToNot(ContainSubstring("doorlockstatusvehicle"))
		})

		It("rejects unknown endpoints", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=trunk", vin), "")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns not found for vehicles without status", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data", otherVIN), "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	It("reports the connection state", func() {
		rr := sendRequest(http.MethodGet, "/api/1/connection", "")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(ContainSubstring(`"state"`))
	})
})
