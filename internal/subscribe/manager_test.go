package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/issuedeck/client/internal/errors"
	"github.com/issuedeck/client/internal/mirror"
	"github.com/issuedeck/client/internal/wire"
)

// fakeTransport records calls and supports gating and error injection.
type fakeTransport struct {
	mu    sync.Mutex
	calls []fakeCall

	// subscribeGate, when non-nil, blocks subscribe calls until it is
	// closed. Used to hold a subscribe in flight.
	subscribeGate chan struct{}

	failSubscribe   error
	failUnsubscribe error
}

type fakeCall struct {
	msgType wire.MessageType
	key     string
}

func (f *fakeTransport) Call(ctx context.Context, msgType wire.MessageType, payload interface{}) (json.RawMessage, error) {
	var key string
	switch p := payload.(type) {
	case wire.SubscribePayload:
		key = p.Key
	case wire.UnsubscribePayload:
		key = p.Key
	}

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{msgType: msgType, key: key})
	gate := f.subscribeGate
	failSub := f.failSubscribe
	failUnsub := f.failUnsubscribe
	f.mu.Unlock()

	if msgType == wire.MessageTypeSubscribe {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if failSub != nil {
			return nil, failSub
		}
		return json.RawMessage(`{"key":"` + key + `"}`), nil
	}

	if failUnsub != nil {
		return nil, failUnsub
	}
	return json.RawMessage(`{"key":"` + key + `"}`), nil
}

func (f *fakeTransport) callCount(msgType wire.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if c.msgType == msgType {
			count++
		}
	}
	return count
}

func (f *fakeTransport) callTypes() []wire.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]wire.MessageType, len(f.calls))
	for i, c := range f.calls {
		types[i] = c.msgType
	}
	return types
}

func TestManager_SubscribeActivates(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)

	release, err := mgr.Subscribe(context.Background(), "tab:issues", wire.Spec{Kind: "all-issues"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if release == nil {
		t.Fatal("expected a release handle")
	}

	status, ok := mgr.StatusOf("tab:issues")
	if !ok || status != StatusActive {
		t.Errorf("status = %v, %v; want active", status, ok)
	}
	if mgr.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", mgr.ActiveCount())
	}
}

func TestManager_IdempotentEqualSpec(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)

	specA := wire.Spec{Kind: "all-issues", Params: map[string]string{"label": "ui"}}
	// Same spec with different map construction order.
	specB := wire.Spec{Kind: "all-issues", Params: map[string]string{"label": "ui"}}

	rel1, err := mgr.Subscribe(context.Background(), "k", specA)
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	rel2, err := mgr.Subscribe(context.Background(), "k", specB)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	if rel1 != rel2 {
		t.Error("equal-spec resubscribe should return the existing release handle")
	}
	if got := transport.callCount(wire.MessageTypeSubscribe); got != 1 {
		t.Errorf("subscribe requests = %d, want 1", got)
	}
}

func TestManager_ConcurrentDuplicateSuppressed(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{subscribeGate: gate}
	mgr := NewManager(transport)

	spec := wire.Spec{Kind: "all-issues"}

	type result struct {
		release *Release
		err     error
	}
	results := make(chan result, 2)

	for i := 0; i < 2; i++ {
		go func() {
			rel, err := mgr.Subscribe(context.Background(), "k", spec)
			results <- result{release: rel, err: err}
		}()
	}

	// Wait until the first call is in flight, then let it complete. The
	// second caller must be waiting on the same attempt, not issuing its
	// own request.
	deadline := time.Now().Add(2 * time.Second)
	for transport.callCount(wire.MessageTypeSubscribe) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscribe to start")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("unexpected errors: %v, %v", first.err, second.err)
	}
	if first.release != second.release {
		t.Error("both callers should share the same release handle")
	}
	if got := transport.callCount(wire.MessageTypeSubscribe); got != 1 {
		t.Errorf("subscribe requests = %d, want exactly 1", got)
	}
}

func TestManager_PendingDifferentSpecRejected(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{subscribeGate: gate}
	mgr := NewManager(transport)

	started := make(chan struct{})
	go func() {
		close(started)
		mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "all-issues"})
	}()
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for transport.callCount(wire.MessageTypeSubscribe) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscribe to start")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "closed-issues"})
	if !apperrors.IsCode(err, apperrors.CodeSubscribePending) {
		t.Errorf("expected subscribe.pending, got %v", err)
	}

	close(gate)
}

func TestManager_SpecChangeReplaces(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)

	if _, err := mgr.Subscribe(context.Background(), "tab:issues", wire.Spec{Kind: "all-issues"}); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	if _, err := mgr.Subscribe(context.Background(), "tab:issues", wire.Spec{Kind: "closed-issues"}); err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	// Replacement is unsubscribe-then-subscribe, strictly in that order.
	want := []wire.MessageType{
		wire.MessageTypeSubscribe,
		wire.MessageTypeUnsubscribe,
		wire.MessageTypeSubscribe,
	}
	got := transport.callTypes()
	if len(got) != len(want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call sequence = %v, want %v", got, want)
		}
	}

	if mgr.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", mgr.ActiveCount())
	}
}

func TestManager_SubscribeFailureLeavesNoRecord(t *testing.T) {
	transport := &fakeTransport{failSubscribe: errors.New("network down")}
	mgr := NewManager(transport)

	_, err := mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "all-issues"})
	if !apperrors.IsCode(err, apperrors.CodeSubscribeFailed) {
		t.Fatalf("expected subscribe.failed, got %v", err)
	}
	if _, ok := mgr.StatusOf("k"); ok {
		t.Error("failed subscribe must leave no record")
	}

	// A later attempt is a fresh subscribe, not a retry of the failure.
	transport.mu.Lock()
	transport.failSubscribe = nil
	transport.mu.Unlock()

	if _, err := mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "all-issues"}); err != nil {
		t.Fatalf("retry after failure should succeed: %v", err)
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)

	release, err := mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "all-issues"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := release.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := release.Release(context.Background()); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	if got := transport.callCount(wire.MessageTypeUnsubscribe); got != 1 {
		t.Errorf("unsubscribe requests = %d, want 1", got)
	}
	if _, ok := mgr.StatusOf("k"); ok {
		t.Error("record should be cleared after release")
	}
}

func TestManager_ReleaseClearsStateOnFailure(t *testing.T) {
	transport := &fakeTransport{failUnsubscribe: errors.New("server gone")}
	mgr := NewManager(transport)

	release, err := mgr.Subscribe(context.Background(), "k", wire.Spec{Kind: "all-issues"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err = release.Release(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeReleaseFailed) {
		t.Errorf("expected subscribe.release_failed, got %v", err)
	}

	// Local bookkeeping is cleared even though the server call failed.
	if _, ok := mgr.StatusOf("k"); ok {
		t.Error("record should be cleared despite unsubscribe failure")
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", mgr.ActiveCount())
	}
}

func TestManager_ResubscribeAllAfterReconnect(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)

	mgr.Subscribe(context.Background(), "tab:issues", wire.Spec{Kind: "all-issues"})
	mgr.Subscribe(context.Background(), "tab:board", wire.Spec{Kind: "board"})

	before := transport.callCount(wire.MessageTypeSubscribe)

	// Connection drops and comes back: both actives are re-issued once.
	mgr.HandleConnectionState(false)
	mgr.HandleConnectionState(true)

	after := transport.callCount(wire.MessageTypeSubscribe)
	if after-before != 2 {
		t.Errorf("resubscribes = %d, want 2", after-before)
	}

	// A second open without an intervening drop does nothing.
	mgr.HandleConnectionState(true)
	if got := transport.callCount(wire.MessageTypeSubscribe); got != after {
		t.Errorf("open without drop triggered %d extra subscribes", got-after)
	}
}

func TestManager_RegistrationBeforeSubscribe(t *testing.T) {
	transport := &fakeTransport{}
	mgr := NewManager(transport)
	reg := mirror.NewRegistry()

	key := "tab:issues"
	spec := wire.Spec{Kind: "all-issues"}

	// The store exists before the subscribe request goes out, so a
	// snapshot arriving immediately after resolution is never lost.
	reg.Register(key, spec)
	if _, err := mgr.Subscribe(context.Background(), key, spec); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	reg.ApplyPush(wire.PushEnvelope{
		Key:   key,
		Kind:  wire.PushSnapshot,
		Items: []wire.Issue{{ID: "I-1", Status: wire.StatusOpen}},
	})

	got := reg.SnapshotFor(key)
	if len(got) != 1 || got[0].ID != "I-1" {
		t.Fatalf("initial snapshot lost: %+v", got)
	}
}
