package backend

import "context"

// AgentSpec describes a remote agent to be provisioned on the backend.
type AgentSpec struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	ToolRefs     []string `json:"tool_refs,omitempty"`
}

// Invocation carries the context handed to a remote agent for one call.
type Invocation struct {
	Task      string `json:"task"`
	Step      string `json:"step,omitempty"`
	Context   string `json:"context,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Delta is one streamed fragment of an agent reply. The channel is closed
// after the terminal element; a terminal element with a non-nil Err means
// the stream ended abnormally.
type Delta struct {
	Text string
	Err  error
}

// AgentBackend is the boundary to the remote agents service. Creation and
// deletion are the only remote state mutations the engine performs; every
// invocation streams its reply.
type AgentBackend interface {
	// CreateAgent provisions a remote agent and returns its backend-assigned ID.
	CreateAgent(ctx context.Context, spec AgentSpec) (string, error)

	// DeleteAgent removes a previously created remote agent.
	DeleteAgent(ctx context.Context, remoteID string) error

	// InvokeAgent calls a remote agent and returns a stream of reply deltas.
	InvokeAgent(ctx context.Context, remoteID string, inv Invocation) (<-chan Delta, error)
}
