package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

const (
	DefaultTimeout      = 10 * time.Second
	maxRequestBodyBytes = 512
	vinLength           = 17
)

// Session is the part of session.Session used by the proxy.
type Session interface {
	Send(cmd protocol.Command, completion protocol.Completion)
	RefreshFields(notify bool)
	State() connector.State
}

// Selector changes the vehicle that a Session sends commands to.
type Selector interface {
	connector.VehicleSelector
	Select(vin string)
}

// StatusSource returns the cached status of a vehicle.
type StatusSource interface {
	Status(vin string) (*protocol.VehicleStatus, bool)
}

// Proxy exposes an HTTP API for sending vehicle commands through a single Session.
type Proxy struct {
	Timeout time.Duration

	session  Session
	vehicles Selector
	statuses StatusSource
	pins     *RequestPins

	// Commands are serialized because the selected vehicle and the request PIN are shared.
	sem chan struct{}
}

// New creates an http proxy. pins must be the PinProvider that s was configured with.
func New(s Session, vehicles Selector, statuses StatusSource, pins *RequestPins) *Proxy {
	return &Proxy{
		Timeout:  DefaultTimeout,
		session:  s,
		vehicles: vehicles,
		statuses: statuses,
		pins:     pins,
		sem:      make(chan struct{}, 1),
	}
}

// acquire blocks until the command lock is held or ctx expires.
func (p *Proxy) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) release() {
	<-p.sem
}

// Response contains a server's response to a client request.
type Response struct {
	Response   interface{} `json:"response"`
	Error      string      `json:"error,omitempty"`
	ErrDetails string      `json:"error_description,omitempty"`
}

type carResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, code int, reply *Response) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{}
	var failed *protocol.CommandFailedError
	switch {
	case err == nil:
		reply.Error = http.StatusText(code)
	case errors.As(err, &failed):
		// The vehicle rejected the command, as opposed to the backend failing to deliver it.
		reply.Response = &carResponse{Reason: err.Error()}
	default:
		reply.Error = http.StatusText(code)
		reply.ErrDetails = err.Error()
	}
	if code != http.StatusOK {
		log.Error("Returning error %s: %s", http.StatusText(code), err)
	}
	writeJSON(w, code, &reply)
}

// statusCode maps a command error to the HTTP status returned to the client.
func statusCode(err error) int {
	var failed *protocol.CommandFailedError
	switch {
	case errors.As(err, &failed):
		return http.StatusOK
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrUnknownCommand),
		errors.Is(err, protocol.ErrCommandUnavailable), errors.Is(err, protocol.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrPinInputCancelled):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrNoInternetConnection), errors.Is(err, protocol.ErrNotConnected),
		errors.Is(err, protocol.ErrSessionClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)

	if req.URL.Path == "/api/1/connection" {
		if req.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, nil)
			return
		}
		writeJSON(w, http.StatusOK, &Response{Response: map[string]interface{}{
			"state":               p.session.State().Status.String(),
			"needs_token_refresh": p.session.State().NeedsTokenRefresh,
		}})
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/1/vehicles/") {
		path := strings.Split(req.URL.Path, "/")
		if len(path) < 6 {
			writeJSONError(w, http.StatusNotFound, nil)
			return
		}
		vin := path[4]
		if len(vin) != vinLength {
			writeJSONError(w, http.StatusNotFound, errors.New("expected 17-character VIN in path"))
			return
		}
		if len(path) == 7 && path[5] == "command" {
			p.handleVehicleCommand(w, req, path[6], vin)
			return
		}
		if len(path) == 6 && path[5] == "vehicle_data" {
			p.handleVehicleData(w, req, vin)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, nil)
}

func (p *Proxy) handleVehicleCommand(w http.ResponseWriter, req *http.Request, command, vin string) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	params, err := readParameters(w, req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := ExtractCommand(command, params)
	if err != nil {
		writeJSONError(w, statusCode(err), err)
		return
	}
	pin, err := params.getString("pin", false)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := cmd.(*protocol.PinCommand); ok && pin == "" {
		writeJSONError(w, http.StatusBadRequest, missingParamError("pin"))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()

	if err := p.acquire(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer p.release()

	if p.vehicles.SelectedVIN() != vin {
		log.Debug("Selecting %s", vin)
		p.vehicles.Select(vin)
		p.session.RefreshFields(false)
	}
	p.pins.set(pin)
	defer p.pins.set("")

	log.Debug("Executing %s on %s", command, vin)
	if err := p.execute(ctx, cmd); err != nil {
		writeJSONError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: &carResponse{Result: true}})
}

// execute sends cmd and waits for its terminal result.
func (p *Proxy) execute(ctx context.Context, cmd protocol.Command) error {
	done := make(chan error, 1)
	p.session.Send(cmd, func(result protocol.Result) {
		if result.Terminal() {
			done <- result.Err
		}
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readParameters(w http.ResponseWriter, req *http.Request) (RequestParameters, error) {
	params := RequestParameters{}
	if req.Body == nil {
		return params, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read request body: %w", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("%w: request body is not a JSON object", ErrInvalidParameter)
		}
	}
	return params, nil
}

type vehicleData struct {
	VIN            string                                   `json:"vin"`
	SequenceNumber int32                                    `json:"sequence_number"`
	UpdatedAt      time.Time                                `json:"updated_at"`
	Groups         map[string]map[string]protocol.Attribute `json:"groups"`
}

// handleVehicleData returns the cached status of vin. The optional endpoints query parameter is a
// semicolon-separated list of update types, such as "doors;windows".
func (p *Proxy) handleVehicleData(w http.ResponseWriter, req *http.Request, vin string) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	types := protocol.AllUpdateTypes
	if endpoints := req.URL.Query().Get("endpoints"); endpoints != "" {
		types = 0
		for _, name := range strings.Split(endpoints, ";") {
			t, ok := protocol.ParseUpdateType(strings.TrimSpace(name))
			if !ok {
				writeJSONError(w, http.StatusBadRequest, fmt.Errorf("%w: unknown endpoint %s", ErrInvalidParameter, name))
				return
			}
			types = types.With(t)
		}
	}
	status, ok := p.statuses.Status(vin)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no status cached for %s", vin))
		return
	}
	data := vehicleData{
		VIN:            status.VIN,
		SequenceNumber: status.SequenceNumber,
		UpdatedAt:      status.UpdatedAt,
		Groups:         make(map[string]map[string]protocol.Attribute),
	}
	for _, t := range types.Types() {
		group := status.Group(t)
		if len(group.Attributes) > 0 {
			data.Groups[t.String()] = group.Attributes
		}
	}
	writeJSON(w, http.StatusOK, &Response{Response: &data})
}
