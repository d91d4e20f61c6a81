package agent

import "encoding/json"

// Outcome is the result of one agent turn. It is one of [Final],
// [ToolPending] or [Failure].
type Outcome interface {
	outcome()
}

// Final is a completed reply.
type Final struct {
	Text string
}

// ToolPending means the agent wants to run tools and waits for an approve or
// reject decision on RequestID.
type ToolPending struct {
	RequestID string

	// Tools is the backend's tool description, passed through unchanged.
	Tools json.RawMessage
}

// Failure is a turn that produced no reply.
//
// Message is set when the backend itself answered with an error object.
// Otherwise Err describes the transport, decoding or protocol problem.
type Failure struct {
	Message string
	Err     error
}

// Backend reports whether the failure was an error reported by the agent
// backend rather than a failure to reach it.
func (f Failure) Backend() bool { return f.Message != "" }

func (Final) outcome()       {}
func (ToolPending) outcome() {}
func (Failure) outcome()     {}

// Action is a tool decision.
type Action int

const (
	// Approve lets the pending tools run.
	Approve Action = iota
	// Reject discards the pending tools.
	Reject
)

// String returns the URL path segment for the action.
func (a Action) String() string {
	switch a {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}
