package server

import "github.com/ensemblehq/ensemble/internal/orchestration"

// HTTPError is the uniform error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a freshly issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// StartSessionRequest creates a new orchestration session.
type StartSessionRequest struct {
	Task   string                          `json:"task"`
	Agents []orchestration.AgentDescriptor `json:"agents"`
}

// StartSessionResponse returns the new session's identifier.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

// PlanResponse renders a negotiated plan for approval review.
type PlanResponse struct {
	Plan      *orchestration.Plan `json:"plan"`
	Rendering string              `json:"rendering"`
}

// DecisionRequest carries the human approval verdict.
type DecisionRequest struct {
	Accept bool `json:"accept"`
}
