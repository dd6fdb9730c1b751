// Package inet implements connector.Transport over a WebSocket connection to the vehicle backend.
package inet

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/internal/worker"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second

	// MaxFrameSize is the largest frame accepted from the backend.
	MaxFrameSize = 1 << 20

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 60 * time.Second
)

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusMisdirectedRequest
}

type stateHandler struct {
	token connector.ConnectionToken
	fn    func(connector.State)
}

type dataHandler struct {
	token connector.ReceiveToken
	fn    func([]byte)
}

// Connection implements connector.Transport. It keeps a WebSocket open while any state handler is
// registered, reconnecting with exponential backoff after failures.
//
// Connection attempts stop when the access token expires or is rejected by the server. The
// Connection then reports connector.StatusConnectionLost with NeedsTokenRefresh set and waits for
// Update.
type Connection struct {
	UserAgent string

	// MinBackoff and MaxBackoff bound the delay between reconnection attempts. They must be set
	// before the first call to Connect.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	url    string
	dialer websocket.Dialer
	sender *worker.Queue

	lock          sync.Mutex
	token         connector.Token
	rejected      bool
	resetBackoff  bool
	restart       bool
	state         connector.State
	closed        bool
	ws            *websocket.Conn
	cancel        context.CancelFunc
	wake          chan struct{}
	nextToken     uint64
	stateHandlers []stateHandler
	dataHandlers  []dataHandler

	writeLock sync.Mutex
}

// NewConnection creates a Connection to a ws:// or wss:// url. No connection is attempted until
// Connect is called.
func NewConnection(url, userAgent string) *Connection {
	c := &Connection{
		UserAgent:  userAgent,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
		url:        url,
		dialer:     websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		sender:     worker.NewQueue("transport-send"),
		wake:       make(chan struct{}, 1),
	}
	if err := c.sender.Start(); err != nil {
		log.Error("Failed to start send queue: %s", err)
	}
	return c
}

// Connect registers onStateChange and starts connecting with token unless a connection is already
// open or being opened. It also leaves the closed state.
func (c *Connection) Connect(token string, expiry time.Time, onStateChange func(connector.State)) connector.ConnectionToken {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nextToken++
	id := connector.ConnectionToken(c.nextToken)
	c.stateHandlers = append(c.stateHandlers, stateHandler{token: id, fn: onStateChange})
	if token != "" {
		c.token = connector.Token{Value: token, Expiry: expiry}
		c.rejected = false
	}
	c.closed = false
	c.start()
	return id
}

// ReceiveData registers onData for every binary frame received on any future connection.
func (c *Connection) ReceiveData(onData func([]byte)) connector.ReceiveToken {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nextToken++
	id := connector.ReceiveToken(c.nextToken)
	c.dataHandlers = append(c.dataHandlers, dataHandler{token: id, fn: onData})
	return id
}

// Send writes data as a binary frame. Frames are written in the order Send is called.
func (c *Connection) Send(data []byte, onSent func(error)) {
	err := c.sender.Submit(func() {
		onSent(c.write(websocket.BinaryMessage, data))
	})
	if err != nil {
		go onSent(err)
	}
}

func (c *Connection) write(kind int, data []byte) error {
	c.lock.Lock()
	ws := c.ws
	c.lock.Unlock()
	if ws == nil {
		return protocol.ErrNotConnected
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(kind, data)
}

// Disconnect closes the connection. Unless forced, the connection stays open while more than one
// state handler is registered.
func (c *Connection) Disconnect(forced bool) {
	c.lock.Lock()
	if !forced && len(c.stateHandlers) > 1 {
		c.lock.Unlock()
		return
	}
	if !c.stop() {
		c.lock.Unlock()
		return
	}
	c.state = connector.State{Status: connector.StatusDisconnected}
	handlers := c.stateHandlersLocked()
	c.lock.Unlock()
	notify(handlers, connector.State{Status: connector.StatusDisconnected})
}

// Update replaces the access token. If needsReconnect is set, an open connection is dropped and
// reopened with the new token, and a stopped Connection with registered handlers is restarted.
func (c *Connection) Update(token string, expiry time.Time, needsReconnect bool, manual bool) {
	c.lock.Lock()
	c.token = connector.Token{Value: token, Expiry: expiry}
	c.rejected = false
	if manual {
		c.resetBackoff = true
	}
	var ws *websocket.Conn
	if needsReconnect {
		if c.ws != nil {
			c.restart = true
			ws = c.ws
		} else if len(c.stateHandlers) > 0 && !c.closed {
			c.start()
		}
	}
	c.lock.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.signal()
}

func (c *Connection) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state.Status == connector.StatusConnected && c.ws != nil
}

// UnregisterAndDisconnectIfPossible removes both registrations and disconnects once no state
// handlers remain.
func (c *Connection) UnregisterAndDisconnectIfPossible(conn connector.ConnectionToken, recv connector.ReceiveToken) {
	c.lock.Lock()
	for i, h := range c.stateHandlers {
		if h.token == conn {
			c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
			break
		}
	}
	for i, h := range c.dataHandlers {
		if h.token == recv {
			c.dataHandlers = append(c.dataHandlers[:i:i], c.dataHandlers[i+1:]...)
			break
		}
	}
	remaining := len(c.stateHandlers)
	stopped := false
	if remaining == 0 {
		stopped = c.stop()
		c.state = connector.State{Status: connector.StatusDisconnected}
	}
	c.lock.Unlock()
	if stopped {
		log.Debug("Disconnected from %s", c.url)
	}
}

// Close terminates the connection and reports connector.StatusClosed. The Connection stays closed
// until Connect is called again.
func (c *Connection) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	c.stop()
	c.state = connector.State{Status: connector.StatusClosed}
	handlers := c.stateHandlersLocked()
	c.lock.Unlock()
	notify(handlers, connector.State{Status: connector.StatusClosed})
}

// start launches the connection loop if it isn't running. Caller must hold the lock.
func (c *Connection) start() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// stop cancels the connection loop and closes the socket. Caller must hold the lock. It returns
// false if the loop wasn't running.
func (c *Connection) stop() bool {
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	return true
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// wait blocks for d, or until Update is called if d is zero. It returns false if ctx was cancelled.
func (c *Connection) wait(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
	case <-timeout:
	}
	return true
}

// credentials returns the current token, whether it is unusable, and whether backoff should be
// reset.
// pause sleeps for d. Unlike wait, it is not cut short by Update.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) credentials() (connector.Token, bool, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	reset := c.resetBackoff
	c.resetBackoff = false
	return c.token, c.rejected || c.token.Value == "" || c.token.Expired(0), reset
}

func (c *Connection) reject() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.rejected = true
}

func (c *Connection) run(ctx context.Context) {
	delay := c.MinBackoff
	// held is the delay owed after the server rejected a token. It applies to the replacement
	// token too, since nothing guarantees the replacement differs.
	var held time.Duration
	for {
		token, unusable, reset := c.credentials()
		if reset {
			delay = c.MinBackoff
			held = 0
		}
		if unusable {
			c.publish(ctx, connector.State{Status: connector.StatusConnectionLost, NeedsTokenRefresh: true})
			if !c.wait(ctx, 0) {
				return
			}
			continue
		}
		if held > 0 {
			log.Debug("Retrying with updated token in %s", held)
			if !pause(ctx, held) {
				return
			}
			held = 0
			continue
		}

		c.publish(ctx, connector.State{Status: connector.StatusConnecting})
		ws, err := c.dial(ctx, token.Value)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var httpErr *HttpError
			if errors.As(err, &httpErr) && httpErr.Code == http.StatusUnauthorized {
				log.Warning("Server rejected access token")
				c.reject()
				held = delay
				delay = min(delay*2, c.MaxBackoff)
				continue
			}
			log.Warning("Connection to %s failed: %s (retrying in %s)", c.url, err, delay)
			if !c.wait(ctx, delay) {
				return
			}
			delay = min(delay*2, c.MaxBackoff)
			continue
		}

		delay = c.MinBackoff
		if !c.attach(ctx, ws) {
			ws.Close()
			return
		}
		c.publish(ctx, connector.State{Status: connector.StatusConnected})
		pingCtx, stopPing := context.WithCancel(ctx)
		go c.ping(pingCtx, ws)
		err = c.read(ws)
		stopPing()
		restart := c.detach(ws)
		if ctx.Err() != nil {
			return
		}
		if restart {
			log.Debug("Reconnecting with new credentials")
			continue
		}
		log.Info("Connection lost: %s", err)
		if _, unusable, _ := c.credentials(); unusable {
			continue
		}
		c.publish(ctx, connector.State{Status: connector.StatusConnectionLost})
		if !c.wait(ctx, delay) {
			return
		}
	}
}

func (c *Connection) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if c.UserAgent != "" {
		header.Set("User-Agent", c.UserAgent)
	}
	ws, rsp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if rsp != nil && rsp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HttpError{Code: rsp.StatusCode}
		}
		return nil, err
	}
	ws.SetReadLimit(MaxFrameSize)
	return ws, nil
}

// attach makes ws the current socket. It returns false if ctx was cancelled in the meantime.
func (c *Connection) attach(ctx context.Context, ws *websocket.Conn) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.ws = ws
	c.restart = false
	return true
}

// detach clears ws if it is still the current socket and reports whether Update asked for a
// reconnect.
func (c *Connection) detach(ws *websocket.Conn) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ws == ws {
		c.ws = nil
	}
	ws.Close()
	restart := c.restart
	c.restart = false
	return restart
}

func (c *Connection) read(ws *websocket.Conn) error {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if err := ws.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
			return err
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			log.Debug("Ignoring non-binary frame (%d bytes)", len(data))
			continue
		}
		c.lock.Lock()
		handlers := append([]dataHandler(nil), c.dataHandlers...)
		c.lock.Unlock()
		for _, h := range handlers {
			h.fn(data)
		}
	}
}

func (c *Connection) ping(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeLock.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// publish reports state to every state handler unless ctx, which belongs to the loop that
// produced state, has been cancelled.
func (c *Connection) publish(ctx context.Context, state connector.State) {
	c.lock.Lock()
	if ctx.Err() != nil {
		c.lock.Unlock()
		return
	}
	c.state = state
	handlers := c.stateHandlersLocked()
	c.lock.Unlock()
	notify(handlers, state)
}

func (c *Connection) stateHandlersLocked() []func(connector.State) {
	handlers := make([]func(connector.State), 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		handlers = append(handlers, h.fn)
	}
	return handlers
}

func notify(handlers []func(connector.State), state connector.State) {
	for _, fn := range handlers {
		fn(state)
	}
}
