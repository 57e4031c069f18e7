// Package conn maintains the single WebSocket connection to the issue
// server. It owns the read/write pumps, correlates request/response calls
// by message id, dispatches push messages to registered handlers, and
// transparently reconnects with exponential backoff when the link drops.
package conn

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/issuedeck/client/internal/errors"
	"github.com/issuedeck/client/internal/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// PushHandler receives server-initiated messages of one type.
type PushHandler func(payload json.RawMessage)

// StateHandler observes connection state transitions.
type StateHandler func(state State)

// Options tunes dial and reconnect behavior. Zero values pick the
// defaults used in production.
type Options struct {
	// Token is an optional bearer token appended to the dial URL as a
	// "token" query parameter. Empty sends no credential.
	Token string

	// DialTimeout bounds each dial attempt. Default 10s.
	DialTimeout time.Duration

	// BackoffInitial is the first reconnect delay. Default 500ms.
	BackoffInitial time.Duration

	// BackoffMax caps the reconnect delay. Default 30s.
	BackoffMax time.Duration
}

func (o *Options) fill() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// session is one live socket. done is closed by the read pump when the
// socket dies, which wakes both the write pump and the supervisor.
type session struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Conn is the connection manager.
//
// Thread safety: all exported methods are safe for concurrent use.
type Conn struct {
	url  string
	opts Options

	mu            sync.Mutex
	state         State
	cur           *session
	pending       map[string]chan callResult
	pushHandlers  map[wire.MessageType][]PushHandler
	stateHandlers []StateHandler

	// send is drained by the current session's write pump. The buffer is
	// flushed on reconnect so a new session never replays stale traffic.
	send chan wire.Message

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a connection manager for url. Call Connect to dial.
func New(url string, opts Options) *Conn {
	opts.fill()
	return &Conn{
		url:          url,
		opts:         opts,
		state:        StateConnecting,
		pending:      make(map[string]chan callResult),
		pushHandlers: make(map[wire.MessageType][]PushHandler),
		send:         make(chan wire.Message, 256),
		closed:       make(chan struct{}),
	}
}

// On registers a handler for server-initiated messages of msgType.
// Register all handlers before Connect; handlers run on the read pump
// goroutine, so they must not block.
func (c *Conn) On(msgType wire.MessageType, handler PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushHandlers[msgType] = append(c.pushHandlers[msgType], handler)
}

// OnStateChange registers a handler for connection state transitions.
func (c *Conn) OnStateChange(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server. On success the pumps and the reconnect
// supervisor are running; on failure no goroutines are left behind and
// the caller may retry.
func (c *Conn) Connect(ctx context.Context) error {
	sess, err := c.dial(ctx)
	if err != nil {
		return apperrors.DialFailed(c.url, err)
	}

	c.mu.Lock()
	c.cur = sess
	c.mu.Unlock()
	c.setState(StateOpen)

	go c.readPump(sess)
	go c.writePump(sess)
	go c.supervise(sess)

	log.Printf("conn: connected to %s", c.url)
	return nil
}

// authURL appends the bearer token as a query parameter. An unparsable
// URL is returned untouched; the dial will report the real error. The
// token only ever appears on the dial URL, never in log output.
func authURL(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) dial(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, authURL(c.url, c.opts.Token), nil)
	if err != nil {
		return nil, err
	}
	return &session{ws: ws, done: make(chan struct{})}, nil
}

// Close shuts the connection down for good. Pending calls fail with
// conn.closed and no reconnect is attempted.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		sess := c.cur
		c.mu.Unlock()

		if sess != nil {
			sess.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			sess.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			sess.ws.Close()
			sess.close()
		}

		c.failPending()
		c.setState(StateClosed)
	})
	return nil
}

// Call sends a request and waits for the response carrying the same
// message id.
//
// Behavior:
//   - A fresh id is generated per call; the response payload is returned
//     as raw JSON for the caller to decode.
//   - A server error response surfaces as a CodedError with the server's
//     code and message.
//   - While the connection is down, calls fail immediately with
//     conn.closed rather than queueing.
//   - Context cancellation abandons the call; a late response for the
//     abandoned id is dropped by the read pump.
func (c *Conn) Call(ctx context.Context, msgType wire.MessageType, payload interface{}) (json.RawMessage, error) {
	msg, err := wire.NewMessage(msgType, uuid.New().String(), payload)
	if err != nil {
		return nil, apperrors.Internal("encode request", err)
	}

	result := make(chan callResult, 1)

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, apperrors.ConnClosed()
	}
	c.pending[msg.ID] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	select {
	case c.send <- msg:
	case <-c.closed:
		return nil, apperrors.ConnClosed()
	case <-ctx.Done():
		return nil, apperrors.Timeout(string(msgType), ctx.Err())
	}

	select {
	case res := <-result:
		return res.payload, res.err
	case <-c.closed:
		return nil, apperrors.ConnClosed()
	case <-ctx.Done():
		return nil, apperrors.Timeout(string(msgType), ctx.Err())
	}
}

// Send enqueues a fire-and-forget message with no response expected.
func (c *Conn) Send(msgType wire.MessageType, payload interface{}) error {
	msg, err := wire.NewMessage(msgType, "", payload)
	if err != nil {
		return apperrors.Internal("encode message", err)
	}

	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return apperrors.ConnClosed()
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return apperrors.SendFailed()
	}
}

// writePump serializes outbound messages onto the socket and sends
// periodic pings to keep the connection alive.
func (c *Conn) writePump(sess *session) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		sess.ws.Close()
	}()

	for {
		select {
		case <-sess.done:
			return

		case <-c.closed:
			return

		case msg := <-c.send:
			sess.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("conn: failed to marshal message: %v", err)
				continue
			}
			if err := sess.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("conn: write error: %v", err)
				sess.close()
				return
			}

		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.close()
				return
			}
		}
	}
}

// readPump reads inbound messages, routes responses to their waiting
// calls, and dispatches everything else to push handlers.
func (c *Conn) readPump(sess *session) {
	defer sess.close()

	sess.ws.SetReadLimit(512 * 1024)
	sess.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("conn: read error: %v", err)
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("conn: failed to parse message: %v", err)
			continue
		}

		if msg.ID != "" {
			if c.deliver(msg) {
				continue
			}
			// Response for an abandoned or unknown call: drop it.
			if msg.Type != wire.MessageTypeError {
				continue
			}
		}

		c.dispatch(msg)
	}
}

// deliver hands a response to the call waiting on its id. Reports
// whether a waiter existed.
func (c *Conn) deliver(msg wire.Message) bool {
	c.mu.Lock()
	result, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if msg.Type == wire.MessageTypeError {
		var ep wire.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			result <- callResult{err: apperrors.InvalidEnvelope("undecodable error payload")}
			return true
		}
		result <- callResult{err: &apperrors.CodedError{Code: ep.Code, Message: ep.Message}}
		return true
	}

	result <- callResult{payload: msg.Payload}
	return true
}

// dispatch fans a push message out to the handlers registered for its
// type. Unhandled types are logged once per message, not dropped silently.
func (c *Conn) dispatch(msg wire.Message) {
	c.mu.Lock()
	handlers := make([]PushHandler, len(c.pushHandlers[msg.Type]))
	copy(handlers, c.pushHandlers[msg.Type])
	c.mu.Unlock()

	if len(handlers) == 0 {
		log.Printf("conn: unhandled message type=%s", msg.Type)
		return
	}
	for _, handler := range handlers {
		handler(msg.Payload)
	}
}

// supervise watches the current session and redials with exponential
// backoff when it dies. Exits when the connection is closed for good.
func (c *Conn) supervise(sess *session) {
	for {
		select {
		case <-c.closed:
			return
		case <-sess.done:
		}

		select {
		case <-c.closed:
			return
		default:
		}

		// The link dropped: fail every in-flight call now rather than
		// letting them wait out their contexts.
		c.mu.Lock()
		c.cur = nil
		c.mu.Unlock()
		c.failPending()
		c.drainSend()
		c.setState(StateReconnecting)
		log.Printf("conn: link lost, reconnecting to %s", c.url)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.opts.BackoffInitial
		bo.MaxInterval = c.opts.BackoffMax
		bo.MaxElapsedTime = 0 // retry until closed

		for {
			wait := bo.NextBackOff()
			select {
			case <-c.closed:
				return
			case <-time.After(wait):
			}

			next, err := c.dial(context.Background())
			if err != nil {
				log.Printf("conn: redial failed (retrying in %s): %v", bo.NextBackOff().Round(time.Millisecond), err)
				continue
			}

			c.mu.Lock()
			c.cur = next
			c.mu.Unlock()

			go c.readPump(next)
			go c.writePump(next)

			c.setState(StateOpen)
			log.Printf("conn: reconnected to %s", c.url)
			sess = next
			break
		}
	}
}

// failPending fails every in-flight call with conn.closed.
func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for _, result := range pending {
		result <- callResult{err: apperrors.ConnClosed()}
	}
}

// drainSend discards messages buffered for a dead session.
func (c *Conn) drainSend() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// setState records the new state and notifies observers outside the lock.
func (c *Conn) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handlers := make([]StateHandler, len(c.stateHandlers))
	copy(handlers, c.stateHandlers)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(state)
	}
}
