package wire

import (
	"sort"
	"strings"
)

// Spec describes what the server should stream for a subscription:
// a query kind plus optional scalar parameters
// (e.g. {kind: "all-issues"} or {kind: "issue-detail", params: {id: "I-42"}}).
//
// Two specs are equal iff their canonical serializations are equal. The
// canonical form is also the change-detection fingerprint that decides
// whether an already-active subscription must be replaced: purely local
// filters (search text, labels) never appear here, so they never cause a
// resubscribe.
type Spec struct {
	// Kind names the server-side query (e.g. "all-issues", "issue-detail").
	Kind string `json:"kind"`

	// Params carries scalar query parameters. May be nil.
	Params map[string]string `json:"params,omitempty"`
}

// Fingerprint returns the canonical serialization of the spec: the kind
// followed by params in sorted key order. Map iteration order never leaks
// into the result, so equal specs always produce equal fingerprints.
func (s Spec) Fingerprint() string {
	if len(s.Params) == 0 {
		return s.Kind
	}

	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Kind)
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Params[k])
	}
	return b.String()
}

// Equal reports whether two specs have the same canonical serialization.
func (s Spec) Equal(other Spec) bool {
	return s.Fingerprint() == other.Fingerprint()
}
