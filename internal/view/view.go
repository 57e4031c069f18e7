// Package view derives UI-facing issue lists from mirror state. Every
// function here is pure: it reads registry snapshots, allocates its own
// result, and never mutates a mirror. The UI recomputes selections on each
// change notification instead of patching previous results.
package view

import (
	"sort"
	"strings"

	"github.com/issuedeck/client/internal/mirror"
	"github.com/issuedeck/client/internal/wire"
)

// SelectIssues returns the mirrored entities for key verbatim, in
// membership order. Unknown keys yield nil.
func SelectIssues(reg *mirror.Registry, key string) []wire.Issue {
	return reg.SnapshotFor(key)
}

// SelectBoardColumn returns the entities for key minus any issue whose id
// is present in one of the exclusion mirrors. Board columns are derived by
// set arithmetic across mirrors: the Ready column is the ready mirror
// minus the in-progress mirror, so an issue never appears in two columns
// while the server pushes are in flight.
func SelectBoardColumn(reg *mirror.Registry, key string, excludeKeys ...string) []wire.Issue {
	base := reg.SnapshotFor(key)
	if len(base) == 0 || len(excludeKeys) == 0 {
		return base
	}

	excluded := make(map[string]struct{})
	for _, exKey := range excludeKeys {
		for _, issue := range reg.SnapshotFor(exKey) {
			excluded[issue.ID] = struct{}{}
		}
	}

	out := make([]wire.Issue, 0, len(base))
	for _, issue := range base {
		if _, skip := excluded[issue.ID]; skip {
			continue
		}
		out = append(out, issue)
	}
	return out
}

// SelectEpicChildren resolves the children of epicID from the detail
// mirror. The epic's dependents list names the children; each id is looked
// up in the same mirror, in dependents order. Ids not (yet) mirrored are
// skipped rather than padded, so a partially streamed detail view renders
// what it has.
func SelectEpicChildren(reg *mirror.Registry, detailKey, epicID string) []wire.Issue {
	entities := reg.SnapshotFor(detailKey)
	if entities == nil {
		return nil
	}

	byID := make(map[string]wire.Issue, len(entities))
	for _, issue := range entities {
		byID[issue.ID] = issue
	}

	epic, ok := byID[epicID]
	if !ok {
		return nil
	}

	out := make([]wire.Issue, 0, len(epic.Dependents))
	for _, id := range epic.Dependents {
		child, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, child)
	}
	return out
}

// Filter narrows a mirrored issue list locally. The zero Filter matches
// everything. Filtering never changes what is subscribed: scoping that the
// server understands (closed issues, a different workspace) is a spec
// change, not a Filter.
type Filter struct {
	// Statuses keeps issues whose status is in the set. Empty keeps all.
	Statuses []string

	// Types keeps issues whose type is in the set. Empty keeps all.
	Types []string

	// Labels keeps issues carrying at least one of these labels.
	Labels []string

	// Search keeps issues whose id or title contains the term,
	// case-insensitively.
	Search string
}

// Apply returns the issues matching the filter, preserving input order.
func (f Filter) Apply(issues []wire.Issue) []wire.Issue {
	statuses := toSet(f.Statuses)
	types := toSet(f.Types)
	labels := toSet(f.Labels)
	search := strings.ToLower(strings.TrimSpace(f.Search))

	out := make([]wire.Issue, 0, len(issues))
	for _, issue := range issues {
		if len(statuses) > 0 {
			if _, ok := statuses[issue.Status]; !ok {
				continue
			}
		}
		if len(types) > 0 {
			if _, ok := types[issue.Type]; !ok {
				continue
			}
		}
		if len(labels) > 0 && !hasAnyLabel(issue.Labels, labels) {
			continue
		}
		if search != "" && !matchesSearch(issue, search) {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func hasAnyLabel(labels []string, wanted map[string]struct{}) bool {
	for _, label := range labels {
		if _, ok := wanted[label]; ok {
			return true
		}
	}
	return false
}

func matchesSearch(issue wire.Issue, term string) bool {
	return strings.Contains(strings.ToLower(issue.ID), term) ||
		strings.Contains(strings.ToLower(issue.Title), term)
}

// SortOpen orders open issues for list views: priority ascending, then
// creation time ascending. Returns a sorted copy; the input is untouched.
func SortOpen(issues []wire.Issue) []wire.Issue {
	out := append([]wire.Issue(nil), issues...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// SortClosed orders closed issues by close time, most recent first.
// Returns a sorted copy; the input is untouched.
func SortClosed(issues []wire.Issue) []wire.Issue {
	out := append([]wire.Issue(nil), issues...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt > out[j].ClosedAt
	})
	return out
}
