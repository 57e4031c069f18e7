package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/issuedeck/client/internal/errors"
	"github.com/issuedeck/client/internal/wire"
)

var upgrader = websocket.Upgrader{}

// startServer runs handle for every incoming WebSocket connection and
// returns the ws:// URL.
func startServer(t *testing.T, handle func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readEnvelope reads and decodes the next client message.
func readEnvelope(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server failed to decode %q: %v", data, err)
	}
	return msg
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("server failed to encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func testOptions() Options {
	return Options{
		DialTimeout:    2 * time.Second,
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}
}

func waitForState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %q, at %q", want, c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConn_CallRoundTrip(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		req := readEnvelope(t, ws)
		if req.Type != wire.MessageTypeSubscribe {
			t.Errorf("server got type %q, want %q", req.Type, wire.MessageTypeSubscribe)
		}
		if req.ID == "" {
			t.Error("request carried no correlation id")
		}
		resp, _ := wire.NewMessage(wire.MessageTypeSubscribed, req.ID, wire.SubscribedPayload{Key: "tab:issues"})
		writeEnvelope(t, ws, resp)
		// Hold the socket open until the client is done.
		ws.ReadMessage()
	})

	c := New(url, testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	raw, err := c.Call(context.Background(), wire.MessageTypeSubscribe, wire.SubscribePayload{
		Key:  "tab:issues",
		Spec: wire.Spec{Kind: "all-issues"},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var payload wire.SubscribedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("undecodable response payload: %v", err)
	}
	if payload.Key != "tab:issues" {
		t.Errorf("response key = %q, want %q", payload.Key, "tab:issues")
	}
}

func TestConn_CallServerError(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		req := readEnvelope(t, ws)
		resp, _ := wire.NewMessage(wire.MessageTypeError, req.ID, wire.ErrorPayload{
			Code:    "subscribe.failed",
			Message: "unknown spec kind",
		})
		writeEnvelope(t, ws, resp)
		ws.ReadMessage()
	})

	c := New(url, testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	_, err := c.Call(context.Background(), wire.MessageTypeSubscribe, wire.SubscribePayload{Key: "k"})
	if !apperrors.IsCode(err, "subscribe.failed") {
		t.Errorf("expected server error code to surface, got %v", err)
	}
	if msg := apperrors.GetMessage(err); msg != "unknown spec kind" {
		t.Errorf("server message = %q", msg)
	}
}

func TestConn_PushDispatch(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		push, _ := wire.NewMessage(wire.MessageTypePush, "", wire.PushEnvelope{
			Key:   "tab:issues",
			Kind:  wire.PushSnapshot,
			Items: []wire.Issue{{ID: "I-1"}},
		})
		writeEnvelope(t, ws, push)
		ws.ReadMessage()
	})

	received := make(chan wire.PushEnvelope, 1)

	c := New(url, testOptions())
	c.On(wire.MessageTypePush, func(payload json.RawMessage) {
		var env wire.PushEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Errorf("undecodable push payload: %v", err)
			return
		}
		received <- env
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	select {
	case env := <-received:
		if env.Key != "tab:issues" || env.Kind != wire.PushSnapshot {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push never dispatched")
	}
}

func TestConn_RejectWhileDown(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		// Drop the connection immediately.
		ws.Close()
	})

	c := New(url, testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	waitForState(t, c, StateReconnecting)

	// Calls while down are rejected, not queued.
	_, err := c.Call(context.Background(), wire.MessageTypeSubscribe, wire.SubscribePayload{Key: "k"})
	if !apperrors.IsCode(err, apperrors.CodeConnClosed) {
		t.Errorf("expected conn.closed, got %v", err)
	}
}

func TestConn_ReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	connects := 0

	url := startServer(t, func(ws *websocket.Conn) {
		mu.Lock()
		connects++
		n := connects
		mu.Unlock()

		if n == 1 {
			// First session: die immediately to force a reconnect.
			ws.Close()
			return
		}
		// Second session: stay up and answer one call.
		defer ws.Close()
		req := readEnvelope(t, ws)
		resp, _ := wire.NewMessage(wire.MessageTypeSubscribed, req.ID, wire.SubscribedPayload{Key: "k"})
		writeEnvelope(t, ws, resp)
		ws.ReadMessage()
	})

	var statesMu sync.Mutex
	var states []State

	c := New(url, testOptions())
	c.OnStateChange(func(state State) {
		statesMu.Lock()
		states = append(states, state)
		statesMu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	waitForState(t, c, StateReconnecting)
	waitForState(t, c, StateOpen)

	// The reconnected session serves calls again.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.Call(ctx, wire.MessageTypeSubscribe, wire.SubscribePayload{Key: "k"}); err != nil {
		t.Fatalf("Call after reconnect failed: %v", err)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("state transitions %v never included reconnecting", states)
	}
}

func TestConn_CloseFailsPendingCall(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		// Never answer; just hold the socket.
		ws.ReadMessage()
		ws.ReadMessage()
	})

	c := New(url, testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), wire.MessageTypeSubscribe, wire.SubscribePayload{Key: "k"})
		errs <- err
	}()

	// Give the call time to get in flight, then tear everything down.
	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errs:
		if !apperrors.IsCode(err, apperrors.CodeConnClosed) {
			t.Errorf("expected conn.closed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call never failed after Close")
	}

	if c.State() != StateClosed {
		t.Errorf("state = %q, want closed", c.State())
	}
}

func TestConn_DialSendsToken(t *testing.T) {
	tokens := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.ReadMessage()
		ws.Close()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	opts := testOptions()
	opts.Token = "s3cret"
	c := New(url, opts)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if got := <-tokens; got != "s3cret" {
		t.Errorf("dial token = %q, want %q", got, "s3cret")
	}

	// The redial after a drop presents the token again.
	select {
	case got := <-tokens:
		if got != "s3cret" {
			t.Errorf("redial token = %q, want %q", got, "s3cret")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no redial observed")
	}
}

func TestAuthURL(t *testing.T) {
	// No token configured: the dial URL stays untouched.
	if got := authURL("ws://host:7070/ws", ""); got != "ws://host:7070/ws" {
		t.Errorf("authURL without token = %q", got)
	}
	if got := authURL("ws://host:7070/ws", "tok"); got != "ws://host:7070/ws?token=tok" {
		t.Errorf("authURL = %q", got)
	}
	if got := authURL("ws://host:7070/ws?x=1", "tok"); got != "ws://host:7070/ws?token=tok&x=1" {
		t.Errorf("authURL with existing query = %q", got)
	}
}

func TestConn_CallTimeout(t *testing.T) {
	url := startServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
		ws.ReadMessage()
	})

	c := New(url, testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, wire.MessageTypeSubscribe, wire.SubscribePayload{Key: "k"})
	if !apperrors.IsCode(err, apperrors.CodeConnTimeout) {
		t.Errorf("expected conn.timeout, got %v", err)
	}
}
