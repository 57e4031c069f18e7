package mirror

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/issuedeck/client/internal/wire"
)

// ChangeHandler observes store mutations. It receives the subscription key
// whose mirror changed. Handlers run synchronously after the mutation is
// committed, outside the registry lock, exactly once per mutating
// ApplyPush call (batched per envelope, not per item).
type ChangeHandler func(key string)

// Registry owns the set of per-key mirror stores. It creates stores before
// their subscriptions are issued (so the initial snapshot push is never
// dropped), routes push envelopes by key, and destroys stores on
// unsubscribe.
//
// Thread safety: all exported methods are safe for concurrent use. All
// mutation happens inside ApplyPush/Register/Unregister under one lock, so
// a reader never observes membership and entities out of step.
type Registry struct {
	mu       sync.RWMutex
	stores   map[string]*Store
	handlers []ChangeHandler

	// diagLimiter throttles malformed-envelope diagnostics so a
	// misbehaving server cannot flood the log.
	diagLimiter *rate.Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores:      make(map[string]*Store),
		diagLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// OnChange registers a handler invoked after every store mutation.
// Handlers must not call back into the registry's mutating methods.
func (r *Registry) OnChange(handler ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Register creates a store for key if one does not exist. Re-registering
// an existing key is a no-op, which keeps rapid view toggling idempotent.
//
// Register must happen before the subscribe request for key is sent;
// registering afterward races the server's initial snapshot push.
func (r *Registry) Register(key string, spec wire.Spec) {
	r.mu.Lock()
	if _, exists := r.stores[key]; exists {
		r.mu.Unlock()
		return
	}
	r.stores[key] = newStore(key, spec)
	r.mu.Unlock()

	log.Printf("mirror: registered store for key %q (kind %q)", key, spec.Kind)
	r.notify(key)
}

// Unregister destroys the store for key and all its state.
// Unknown keys are a no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	_, exists := r.stores[key]
	delete(r.stores, key)
	r.mu.Unlock()

	if !exists {
		return
	}
	log.Printf("mirror: unregistered store for key %q", key)
	r.notify(key)
}

// ApplyPush routes an envelope to the store registered under its key and
// applies the mutation.
//
// Behavior:
//   - Unknown keys are silently ignored: the subscription may have been
//     torn down between send and receipt, which is not an error.
//   - Malformed envelopes (missing key, unrecognized kind) are dropped with
//     a rate-limited diagnostic; a store is only ever mutated from a fully
//     valid envelope.
//   - Subscribers are notified exactly once per call that mutated a store.
func (r *Registry) ApplyPush(env wire.PushEnvelope) {
	if env.Key == "" {
		r.diagnose("mirror: dropping envelope with missing key (kind %q)", string(env.Kind))
		return
	}
	if !env.ValidKind() {
		r.diagnose("mirror: dropping envelope with unrecognized kind %q (key %q)", string(env.Kind), env.Key)
		return
	}

	r.mu.Lock()
	store, ok := r.stores[env.Key]
	if !ok {
		r.mu.Unlock()
		return
	}

	mutated := false
	switch env.Kind {
	case wire.PushSnapshot:
		store.applySnapshot(env.Entries())
		mutated = true
	case wire.PushUpsert:
		mutated = store.applyUpsert(env.Entries())
	case wire.PushDelete:
		mutated = store.applyDelete(env.IDs)
	}
	r.mu.Unlock()

	if mutated {
		r.notify(env.Key)
	}
}

// SnapshotFor returns the entity records for key in membership order
// (arrival/snapshot order; callers needing a different order sort
// explicitly). Returns nil for an unknown key.
func (r *Registry) SnapshotFor(key string) []wire.Issue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, ok := r.stores[key]
	if !ok {
		return nil
	}
	return store.snapshot()
}

// Size returns the membership size for key, or 0 for an unknown key.
func (r *Registry) Size(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, ok := r.stores[key]
	if !ok {
		return 0
	}
	return store.size()
}

// Has reports whether a store is registered for key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stores[key]
	return ok
}

// SpecFor returns the spec the store for key was registered with.
func (r *Registry) SpecFor(key string) (wire.Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, ok := r.stores[key]
	if !ok {
		return wire.Spec{}, false
	}
	return store.spec, true
}

// Keys returns the registered subscription keys, in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.stores))
	for key := range r.stores {
		keys = append(keys, key)
	}
	return keys
}

// notify invokes all change handlers outside the registry lock.
func (r *Registry) notify(key string) {
	r.mu.RLock()
	handlers := make([]ChangeHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(key)
	}
}

// diagnose logs a malformed-envelope diagnostic, rate limited.
func (r *Registry) diagnose(format string, args ...interface{}) {
	if r.diagLimiter.Allow() {
		log.Printf(format, args...)
	}
}
