package wire

// Issue status values.
// Closed issues are streamed by a different subscription kind than open
// ones, so a status filter that selects "closed" changes the spec rather
// than filtering locally.
const (
	StatusOpen       = "open"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Issue type values.
const (
	TypeTask    = "task"
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeEpic    = "epic"
)

// Issue is the entity record streamed by the server. Each mirror holds its
// own copy; stores never share records.
// Timestamps are Unix milliseconds, matching the protocol convention.
type Issue struct {
	// ID is the unique issue identifier (e.g. "I-42").
	ID string `json:"id"`

	// Title is the one-line issue summary.
	Title string `json:"title"`

	// Status is one of the Status* constants.
	Status string `json:"status"`

	// Type is one of the Type* constants.
	Type string `json:"type,omitempty"`

	// Priority orders open issues; lower numbers sort first.
	Priority int `json:"priority,omitempty"`

	// Assignee is the login of the current assignee, empty if unassigned.
	Assignee string `json:"assignee,omitempty"`

	// Labels are free-form tags used for client-side filtering.
	Labels []string `json:"labels,omitempty"`

	// Epic is the ID of the epic this issue belongs to, if any.
	Epic string `json:"epic,omitempty"`

	// Parent is the ID of the direct parent issue, if any. For issues
	// grouped straight under an epic, Parent and Epic coincide.
	Parent string `json:"parent,omitempty"`

	// Dependents lists the IDs of issues that belong to this issue when it
	// is an epic. Populated server-side; child records are streamed through
	// the epic's detail subscription, not a separate mirror.
	Dependents []string `json:"dependents,omitempty"`

	// CreatedAt is when the issue was created (Unix milliseconds).
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is when the issue last changed (Unix milliseconds).
	UpdatedAt int64 `json:"updated_at,omitempty"`

	// ClosedAt is when the issue was closed (Unix milliseconds).
	// Zero for issues that are not closed.
	ClosedAt int64 `json:"closed_at,omitempty"`
}

// IsEpic reports whether the issue is an epic.
func (i Issue) IsEpic() bool {
	return i.Type == TypeEpic
}
