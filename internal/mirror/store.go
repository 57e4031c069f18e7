// Package mirror maintains the local authoritative copy of each
// subscription's data: an ordered membership of issue ids plus the entity
// record for each member. One Store exists per subscription key; the
// Registry owns every Store, routes push envelopes to them, and broadcasts
// a change notification whenever any store mutates.
package mirror

import "github.com/issuedeck/client/internal/wire"

// Store mirrors one subscription's membership and entity content.
// Invariants: membership ids are unique, membership and entities hold
// exactly the same id set, and the content always reflects the most
// recently applied envelope in arrival order.
//
// Stores are not safe for concurrent use on their own; the Registry is the
// sole owner and mutator and serializes all access.
type Store struct {
	key        string
	spec       wire.Spec
	membership []string
	entities   map[string]wire.Issue
}

func newStore(key string, spec wire.Spec) *Store {
	return &Store{
		key:      key,
		spec:     spec,
		entities: make(map[string]wire.Issue),
	}
}

// applySnapshot replaces membership and entities wholesale.
// Always counts as a mutation, even when the new state equals the old one:
// a snapshot is the server asserting full authority over the mirror.
func (s *Store) applySnapshot(items []wire.Issue) {
	s.membership = s.membership[:0]
	s.entities = make(map[string]wire.Issue, len(items))
	for _, item := range items {
		if _, seen := s.entities[item.ID]; seen {
			// Duplicate id within one snapshot: last write wins, membership
			// keeps the first position.
			s.entities[item.ID] = item
			continue
		}
		s.membership = append(s.membership, item.ID)
		s.entities[item.ID] = item
	}
}

// applyUpsert updates each entity in place; ids not yet in membership are
// appended at the end. Append order is arrival order, never a sort order.
func (s *Store) applyUpsert(items []wire.Issue) bool {
	mutated := false
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, member := s.entities[item.ID]; !member {
			s.membership = append(s.membership, item.ID)
		}
		s.entities[item.ID] = item
		mutated = true
	}
	return mutated
}

// applyDelete removes each id from membership and drops its entity.
// Absent ids are no-ops, which also covers deletes arriving before any
// snapshot (the store is simply empty).
func (s *Store) applyDelete(ids []string) bool {
	mutated := false
	for _, id := range ids {
		if _, member := s.entities[id]; !member {
			continue
		}
		delete(s.entities, id)
		for i, m := range s.membership {
			if m == id {
				s.membership = append(s.membership[:i], s.membership[i+1:]...)
				break
			}
		}
		mutated = true
	}
	return mutated
}

// snapshot returns the entity records in membership order.
func (s *Store) snapshot() []wire.Issue {
	out := make([]wire.Issue, 0, len(s.membership))
	for _, id := range s.membership {
		out = append(out, s.entities[id])
	}
	return out
}

// size returns the current membership size.
func (s *Store) size() int {
	return len(s.membership)
}
