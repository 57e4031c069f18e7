// Package subscribe manages the lifecycle of live queries: one
// subscription record per caller-chosen key, each an explicit state
// machine (pending, active, closed). The manager deduplicates concurrent
// subscribe attempts per key, replaces subscriptions whose spec changed,
// and re-establishes every active subscription after a reconnect.
//
// Registration ordering contract: the mirror store for a key must be
// registered with the mirror.Registry before Subscribe is called for that
// key. Registering afterward races the server's initial snapshot push,
// which would be silently dropped for want of a store. Store lifetime
// belongs to the registry, so this ordering is a call-site obligation the
// manager cannot enforce internally.
package subscribe

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	apperrors "github.com/issuedeck/client/internal/errors"
	"github.com/issuedeck/client/internal/wire"
)

// Status is the lifecycle state of a subscription record.
type Status string

const (
	// StatusPending means the subscribe request is in flight.
	StatusPending Status = "pending"

	// StatusActive means the server acknowledged the subscription.
	StatusActive Status = "active"

	// StatusClosed means the subscription was released.
	StatusClosed Status = "closed"
)

// Transport issues request/response calls on the connection.
// Implemented by conn.Conn; tests substitute a fake.
type Transport interface {
	Call(ctx context.Context, msgType wire.MessageType, payload interface{}) (json.RawMessage, error)
}

// record tracks one subscription. done is closed when the record leaves
// pending; release and err are written before the close, so waiters may
// read them without holding the manager lock.
type record struct {
	key         string
	spec        wire.Spec
	fingerprint string
	status      Status
	release     *Release
	done        chan struct{}
	err         error
}

// Manager maps subscription keys to server-side live queries.
//
// Thread safety: all exported methods are safe for concurrent use.
type Manager struct {
	transport Transport

	mu      sync.Mutex
	records map[string]*record

	// dropped is set when the connection goes down; the next open
	// transition triggers a resubscribe of every active record.
	dropped bool
}

// NewManager creates a manager issuing subscriptions over transport.
func NewManager(transport Transport) *Manager {
	return &Manager{
		transport: transport,
		records:   make(map[string]*record),
	}
}

// Subscribe establishes the live query for key, or returns the existing
// release handle when an equal subscription is already active.
//
// Behavior:
//   - Active record with an equal spec: returns its release immediately,
//     with no network traffic.
//   - Subscribe for key already in flight with an equal spec: the duplicate
//     is suppressed; the caller waits for the in-flight attempt and shares
//     its outcome, so exactly one request reaches the transport.
//   - Subscribe for key in flight with a different spec: rejected with
//     subscribe.pending rather than queued.
//   - Active record with a different spec: full replacement; the old
//     subscription is released first, then the new spec subscribed (two
//     transport round-trips, strictly in that order).
//   - Otherwise: one subscribe request. On success an active record is
//     stored; on failure no record is kept and the error is surfaced to
//     the caller, never retried automatically.
func (m *Manager) Subscribe(ctx context.Context, key string, spec wire.Spec) (*Release, error) {
	fingerprint := spec.Fingerprint()

	var old *Release

	m.mu.Lock()
	if rec, ok := m.records[key]; ok {
		switch rec.status {
		case StatusPending:
			if rec.fingerprint == fingerprint {
				done := rec.done
				m.mu.Unlock()
				<-done
				return rec.release, rec.err
			}
			m.mu.Unlock()
			return nil, apperrors.SubscribePending(key)

		case StatusActive:
			if rec.fingerprint == fingerprint {
				release := rec.release
				m.mu.Unlock()
				return release, nil
			}
			// Spec changed: replace the prior subscription entirely.
			old = rec.release
		}
	}

	rec := &record{
		key:         key,
		spec:        spec,
		fingerprint: fingerprint,
		status:      StatusPending,
		done:        make(chan struct{}),
	}
	m.records[key] = rec
	m.mu.Unlock()

	if old != nil {
		// Unsubscribe the stale spec before subscribing the new one.
		// A failed unsubscribe has already cleared local state; the new
		// subscribe proceeds regardless.
		if err := old.Release(ctx); err != nil {
			log.Printf("subscribe: release of replaced subscription %q failed: %v", key, err)
		}
	}

	_, err := m.transport.Call(ctx, wire.MessageTypeSubscribe, wire.SubscribePayload{
		Key:  key,
		Spec: spec,
	})

	m.mu.Lock()
	if err != nil {
		if m.records[key] == rec {
			delete(m.records, key)
		}
		rec.err = apperrors.SubscribeFailed(key, err)
		close(rec.done)
		m.mu.Unlock()
		return nil, rec.err
	}

	release := &Release{manager: m, key: key, rec: rec}
	rec.status = StatusActive
	rec.release = release
	close(rec.done)
	m.mu.Unlock()

	log.Printf("subscribe: key %q active (kind %q)", key, spec.Kind)
	return release, nil
}

// ResubscribeAll re-issues the subscribe request for every active record.
// Called after a reconnect, when all previously active subscriptions are
// presumptively stale on the server. Mirror stores stay registered
// throughout, so each fresh snapshot lands in place.
//
// Failures are logged and the record kept; the next reconnect retries.
func (m *Manager) ResubscribeAll(ctx context.Context) {
	m.mu.Lock()
	type target struct {
		key  string
		spec wire.Spec
	}
	targets := make([]target, 0, len(m.records))
	for key, rec := range m.records {
		if rec.status == StatusActive {
			targets = append(targets, target{key: key, spec: rec.spec})
		}
	}
	m.mu.Unlock()

	for _, tgt := range targets {
		_, err := m.transport.Call(ctx, wire.MessageTypeSubscribe, wire.SubscribePayload{
			Key:  tgt.key,
			Spec: tgt.spec,
		})
		if err != nil {
			log.Printf("subscribe: resubscribe of %q failed: %v", tgt.key, err)
			continue
		}
		log.Printf("subscribe: re-established %q after reconnect", tgt.key)
	}
}

// HandleConnectionState tracks connection transitions. Wire it to the
// connection's state callback: the first open after a drop triggers
// ResubscribeAll, making stale-subscription recovery the manager's
// responsibility rather than the connection's.
func (m *Manager) HandleConnectionState(open bool) {
	m.mu.Lock()
	if !open {
		m.dropped = true
		m.mu.Unlock()
		return
	}
	dropped := m.dropped
	m.dropped = false
	m.mu.Unlock()

	if dropped {
		m.ResubscribeAll(context.Background())
	}
}

// StatusOf returns the lifecycle status of the record for key.
func (m *Manager) StatusOf(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// ActiveCount returns the number of active subscriptions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.records {
		if rec.status == StatusActive {
			count++
		}
	}
	return count
}

// Release is the handle returned by Subscribe. Releasing issues the
// unsubscribe request and clears local bookkeeping.
type Release struct {
	manager *Manager
	key     string
	rec     *record

	once sync.Once
	err  error
}

// Key returns the subscription key this handle releases.
func (r *Release) Key() string {
	return r.key
}

// Release unsubscribes the key and marks the record closed.
//
// Behavior:
//   - Safe to call more than once; later calls are no-ops returning the
//     first call's result.
//   - Local bookkeeping is cleared before the unsubscribe request is sent
//     and regardless of its outcome, so UI-visible state never leaks even
//     if server cleanup fails. The failure is only reported to a caller
//     that awaits it.
func (r *Release) Release(ctx context.Context) error {
	r.once.Do(func() {
		m := r.manager

		m.mu.Lock()
		// Only remove the map entry if it still points at our record; a
		// replacement subscribe may have installed a successor already.
		if cur, ok := m.records[r.key]; ok && cur == r.rec {
			delete(m.records, r.key)
		}
		r.rec.status = StatusClosed
		m.mu.Unlock()

		_, err := m.transport.Call(ctx, wire.MessageTypeUnsubscribe, wire.UnsubscribePayload{
			Key: r.key,
		})
		if err != nil {
			r.err = apperrors.ReleaseFailed(r.key, err)
			log.Printf("subscribe: unsubscribe of %q failed (local state cleared): %v", r.key, err)
			return
		}
		log.Printf("subscribe: key %q released", r.key)
	})
	return r.err
}
