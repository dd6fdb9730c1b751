package connector

//go:generate mockgen -package mocks -destination ../../mocks/transport.go -mock_names Transport=SessionTransport github.com/teslamotors/vehicle-session/pkg/connector Transport
//go:generate mockgen -package mocks -destination ../../mocks/token_provider.go -mock_names TokenProvider=TokenProvider github.com/teslamotors/vehicle-session/pkg/connector TokenProvider

import (
	"fmt"
	"time"
)

// Status enumerates the lifecycle stages of a Transport connection.
type Status int32

const (
	// StatusDisconnected means no connection exists and none is being attempted.
	StatusDisconnected Status = iota

	// StatusConnecting means the Transport is dialing or waiting to retry.
	StatusConnecting

	// StatusConnected means the Transport can send and receive frames.
	StatusConnected

	// StatusConnectionLost means an established connection dropped. See State.NeedsTokenRefresh.
	StatusConnectionLost

	// StatusClosed is terminal until the owner explicitly reconnects.
	StatusClosed
)

var statusNames = map[Status]string{
	StatusDisconnected:   "disconnected",
	StatusConnecting:     "connecting",
	StatusConnected:      "connected",
	StatusConnectionLost: "connectionLost",
	StatusClosed:         "closed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// State is a connection state as reported by a Transport.
type State struct {
	Status Status

	// NeedsTokenRefresh is only meaningful when Status is StatusConnectionLost. It indicates the
	// Transport will not reconnect until it receives fresh credentials through Transport.Update.
	NeedsTokenRefresh bool
}

func (s State) String() string {
	if s.Status == StatusConnectionLost {
		return fmt.Sprintf("%s(needsTokenRefresh: %t)", s.Status, s.NeedsTokenRefresh)
	}
	return s.Status.String()
}

// ConnectionToken identifies a state-change registration returned by Transport.Connect.
type ConnectionToken uint64

// ReceiveToken identifies a data registration returned by Transport.ReceiveData.
type ReceiveToken uint64

// Transport sends and receives raw frames ([]byte) to and from the vehicle backend.
//
// Callbacks may be invoked on any goroutine. Implementations must be thread safe.
type Transport interface {
	// Connect registers onStateChange and opens a connection authenticated with token, unless one
	// is already open or being opened.
	Connect(token string, expiry time.Time, onStateChange func(State)) ConnectionToken

	// ReceiveData registers onData to be called once per received frame, in receive order.
	ReceiveData(onData func([]byte)) ReceiveToken

	// Send transmits a frame. onSent is called exactly once, with a nil error if the frame was
	// handed to the network.
	Send(data []byte, onSent func(error))

	// Disconnect closes the connection. If forced is false, the connection stays open while other
	// registrations remain.
	Disconnect(forced bool)

	// Update replaces the credentials used for future connection attempts. If needsReconnect is
	// set the current connection is dropped and reopened with the new token. Manual updates were
	// requested by a user and reset reconnection backoff.
	Update(token string, expiry time.Time, needsReconnect bool, manual bool)

	// IsConnected returns true if frames can currently be sent.
	IsConnected() bool

	// UnregisterAndDisconnectIfPossible removes both registrations and disconnects if nothing else
	// is registered with the Transport.
	UnregisterAndDisconnectIfPossible(conn ConnectionToken, recv ReceiveToken)

	// Close terminates the Transport. Repeated calls to Close must be idempotent.
	Close()
}

// Token is an access token used to authenticate a Transport connection.
type Token struct {
	Value  string
	Expiry time.Time
}

// Expired returns true if the token expires within leeway of now. Tokens without an expiry never
// expire.
func (t Token) Expired(leeway time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(leeway).After(t.Expiry)
}

// TokenProvider fetches access tokens.
type TokenProvider interface {
	// RequestToken calls onToken asynchronously with a fresh token. If no token can be obtained,
	// onToken is never called.
	RequestToken(onToken func(Token))
}

// TokenInvalidator is implemented by TokenProviders that cache tokens. Invalidate discards the
// cached token so that the next RequestToken obtains a new one.
type TokenInvalidator interface {
	Invalidate()
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(onToken func(Token))

func (f TokenProviderFunc) RequestToken(onToken func(Token)) {
	f(onToken)
}

// PinProvider asks the user to confirm a command with their PIN. Exactly one of onSuccess or
// onCancel is called, possibly on another goroutine.
type PinProvider interface {
	RequestPin(reason string, preventReuseAlert bool, onSuccess func(pin string), onCancel func())
}

// VehicleSelector reports the vehicle that commands are sent to and whose status is observed. An
// empty VIN means no vehicle is selected.
type VehicleSelector interface {
	SelectedVIN() string
}
