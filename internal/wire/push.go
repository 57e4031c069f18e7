package wire

// PushKind identifies how a push envelope mutates a mirror.
type PushKind string

const (
	// PushSnapshot replaces a mirror's membership and entities wholesale
	// with the envelope's items. This is the first envelope every
	// subscription receives after a subscribe is acknowledged.
	PushSnapshot PushKind = "snapshot"

	// PushUpsert updates entities in place and appends ids that are not yet
	// members. Append order is arrival order; sorting is a view concern.
	PushUpsert PushKind = "upsert"

	// PushDelete removes ids from membership and drops their entities.
	// Removing an absent id is a no-op.
	PushDelete PushKind = "delete"
)

// PushEnvelope is a server-to-client update for one subscription key.
// Envelopes for a given key must be applied in receipt order; there is no
// reordering or coalescing across keys.
type PushEnvelope struct {
	// Key routes the envelope to the mirror registered under the same key.
	Key string `json:"key"`

	// Kind selects the mutation: snapshot, upsert, or delete.
	Kind PushKind `json:"kind"`

	// Items carries entity records for snapshot and upsert envelopes.
	// A snapshot with no items is a valid empty snapshot.
	Items []Issue `json:"items,omitempty"`

	// Item is the single-entity shorthand some upserts use instead of Items.
	Item *Issue `json:"item,omitempty"`

	// IDs lists the membership removals for delete envelopes.
	IDs []string `json:"ids,omitempty"`
}

// Entries normalizes the Items/Item shorthand into one slice.
// Item, when set, follows Items.
func (e PushEnvelope) Entries() []Issue {
	if e.Item == nil {
		return e.Items
	}
	entries := make([]Issue, 0, len(e.Items)+1)
	entries = append(entries, e.Items...)
	entries = append(entries, *e.Item)
	return entries
}

// ValidKind reports whether the envelope carries a recognized push kind.
func (e PushEnvelope) ValidKind() bool {
	switch e.Kind {
	case PushSnapshot, PushUpsert, PushDelete:
		return true
	}
	return false
}
